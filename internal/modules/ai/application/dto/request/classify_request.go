package request

// ClassifyRequest 手动触发分类
type ClassifyRequest struct {
	SessionUuid string `json:"session_uuid" binding:"required"`
	MessageUuid string `json:"message_uuid"`
	Text        string `json:"text" binding:"required"`
}

// TrainCorrectionRequest 人工纠偏。带 session_uuid 时同时改派工单
// 并把最近一条分类记录标记为已纠偏。
type TrainCorrectionRequest struct {
	DepartmentId    int64  `json:"department_id" binding:"required"`
	Text            string `json:"text" binding:"required"`
	Language        string `json:"language"`
	SessionUuid     string `json:"session_uuid"`
	CorrectedByUuid string `json:"corrected_by_uuid"`
	Notes           string `json:"notes"`
}
