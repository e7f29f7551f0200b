package entity

import (
	"time"
)

// AIAnalysis 分类结果审计表。无论是否命中部门都要落一条，
// 空部门的记录用于复盘知识库召回质量。
type AIAnalysis struct {
	Id             int64     `gorm:"column:id;primaryKey;comment:自增id"`
	SessionUuid    string    `gorm:"column:session_uuid;index;type:char(36);not null;comment:工单uuid"`
	MessageUuid    string    `gorm:"column:message_uuid;type:char(36);comment:触发分类的消息uuid"`
	DepartmentId   *int64    `gorm:"column:department_id;comment:命中的部门id，可为空"`
	DepartmentName string    `gorm:"column:department_name;type:varchar(255);comment:部门名称快照，按工单语言取"`
	IntentLabel    string    `gorm:"column:intent_label;type:varchar(100);comment:意图标签"`
	Confidence     float64   `gorm:"column:confidence;comment:置信度"`
	Reason         string    `gorm:"column:reason;type:text;comment:模型给出的判定理由"`
	Language       string    `gorm:"column:language;type:char(2);comment:检测到的语言"`

	// 流水线明细，复盘召回质量和成本用
	VectorSearchResults string `gorm:"column:vector_search_results;type:text;comment:召回候选列表json"`
	PromptTokens        int    `gorm:"column:prompt_tokens;comment:重排提示词token数"`
	CompletionTokens    int    `gorm:"column:completion_tokens;comment:重排补全token数"`
	ProcessingTimeMs    int64  `gorm:"column:processing_time_ms;comment:流水线总耗时毫秒"`

	// 人工纠偏回写
	IsCorrected           bool      `gorm:"column:is_corrected;not null;default:false;comment:是否被人工纠偏"`
	CorrectedDepartmentId *int64    `gorm:"column:corrected_department_id;comment:纠偏后的部门id"`
	CorrectedByUuid       string    `gorm:"column:corrected_by_uuid;type:char(36);comment:纠偏人uuid"`
	CorrectionNotes       string    `gorm:"column:correction_notes;type:text;comment:纠偏备注"`
	CreatedAt             time.Time `gorm:"column:created_at;not null;comment:创建时间"`
}

func (AIAnalysis) TableName() string {
	return "ai_analysis"
}

// InjectionLog 提示词注入告警表
type InjectionLog struct {
	Id             int64     `gorm:"column:id;primaryKey;comment:自增id"`
	SessionUuid    string    `gorm:"column:session_uuid;index;type:char(36);not null;comment:工单uuid"`
	MessageUuid    string    `gorm:"column:message_uuid;type:char(36);comment:消息uuid"`
	Text           string    `gorm:"column:text;type:text;comment:命中的原始文本"`
	RiskScore      float64   `gorm:"column:risk_score;comment:风险分"`
	MatchedPattern string    `gorm:"column:matched_pattern;type:varchar(255);comment:命中的特征"`
	SourceIP       string    `gorm:"column:source_ip;type:varchar(45);comment:来源ip"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;comment:创建时间"`
}

func (InjectionLog) TableName() string {
	return "injection_log"
}
