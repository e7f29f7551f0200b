package request

import "encoding/json"

// UpdateDescriptionRequest 修改工单描述
type UpdateDescriptionRequest struct {
	Description string `json:"description" binding:"required"`
}

// SendMessageRequest 工单内发消息
type SendMessageRequest struct {
	Text            string `json:"text" binding:"required"`
	ClientMessageId string `json:"client_message_id"`
}

// RoutingResultRequest 分类结果回调。候选列表、token 用量和
// 分段耗时原样落审计表。
type RoutingResultRequest struct {
	SessionUuid      string          `json:"session_uuid" binding:"required"`
	MessageUuid      string          `json:"message_uuid"`
	DepartmentId     *int64          `json:"department_id"`
	Intent           string          `json:"intent"`
	Confidence       float64         `json:"confidence"`
	Reason           string          `json:"reason"`
	Language         string          `json:"language"`
	Candidates       json.RawMessage `json:"candidates"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	EmbeddingMs      int64           `json:"embedding_ms"`
	SearchMs         int64           `json:"search_ms"`
	RerankMs         int64           `json:"rerank_ms"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}

// RouteRequest 路由执行回调
type RouteRequest struct {
	SessionUuid  string `json:"session_uuid" binding:"required"`
	DepartmentId int64  `json:"department_id" binding:"required"`
	MessageUuid  string `json:"message_uuid"`
	IntentLabel  string `json:"intent_label"`
}

// InjectionAlertRequest 注入告警回调
type InjectionAlertRequest struct {
	SessionUuid    string  `json:"session_uuid" binding:"required"`
	MessageUuid    string  `json:"message_uuid"`
	Text           string  `json:"text"`
	RiskScore      float64 `json:"risk_score"`
	MatchedPattern string  `json:"matched_pattern"`
	SourceIP       string  `json:"source_ip"`
}
