package respond

// ClassifyAccepted 分类任务已受理
type ClassifyAccepted struct {
	EventUuid   string `json:"event_uuid"`
	SessionUuid string `json:"session_uuid"`
	Status      string `json:"status"`
}

// TrainCorrectionRespond 纠偏写入结果
type TrainCorrectionRespond struct {
	PointID  string `json:"point_id"`
	Language string `json:"language"`
	Rerouted bool   `json:"rerouted"`
}
