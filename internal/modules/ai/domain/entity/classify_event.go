package entity

import (
	"time"
)

// 分类事件状态
const (
	ClassifyEventStatusPending   = "pending"
	ClassifyEventStatusPublished = "published"
	ClassifyEventStatusDone      = "done"
	ClassifyEventStatusFailed    = "failed"
)

// ClassifyEvent 分类任务 outbox 表。消息落库与事件落库在同一事务里，
// 中继器轮询 pending 行投递到 Kafka，保证任务不随进程丢失。
type ClassifyEvent struct {
	Id          int64      `gorm:"column:id;primaryKey;comment:自增id"`
	EventUuid   string     `gorm:"column:event_uuid;uniqueIndex;type:char(36);not null;comment:事件uuid"`
	SessionUuid string     `gorm:"column:session_uuid;index;type:char(36);not null;comment:工单uuid"`
	MessageUuid string     `gorm:"column:message_uuid;type:char(36);not null;comment:消息uuid"`
	DedupKey    string     `gorm:"column:dedup_key;uniqueIndex;type:varchar(64);not null;comment:入队去重键，有消息uuid时取消息uuid"`
	Text        string     `gorm:"column:text;type:text;not null;comment:待分类文本"`
	Status      string     `gorm:"column:status;index;type:varchar(20);not null;default:pending;comment:事件状态"`
	Attempts    int        `gorm:"column:attempts;not null;default:0;comment:已尝试次数"`
	LastError   string     `gorm:"column:last_error;type:text;comment:最近一次失败原因"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at;comment:下次重试时间"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;comment:创建时间"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;comment:更新时间"`
}

func (ClassifyEvent) TableName() string {
	return "classify_event"
}
