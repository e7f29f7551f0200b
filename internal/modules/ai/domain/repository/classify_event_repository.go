package repository

import (
	"CivicLink/internal/modules/ai/domain/entity"
	"time"
)

// ClassifyEventRepository 分类 outbox 仓储
type ClassifyEventRepository interface {
	Create(event *entity.ClassifyEvent) error

	GetByUuid(eventUuid string) (*entity.ClassifyEvent, error)

	// GetByDedupKey 按去重键查已入队的事件
	GetByDedupKey(dedupKey string) (*entity.ClassifyEvent, error)

	// FetchPending 取到期的待投递事件，含到了重试时间的失败事件
	FetchPending(limit int, now time.Time) ([]entity.ClassifyEvent, error)

	// MarkPublished 条件更新，多个中继实例下同一事件只会被投递一次
	MarkPublished(eventUuid string) (bool, error)

	MarkDone(eventUuid string) error

	// MarkFailed 记录失败并安排下次重试；nextRetryAt 为 nil 表示放弃
	MarkFailed(eventUuid string, attempts int, lastError string, nextRetryAt *time.Time) error

	// RequeueStalePublished 把停留在 published 超过可见期的事件拨回 pending，
	// 投递后进程崩溃的事件靠它重新进入轮询
	RequeueStalePublished(cutoff time.Time, limit int) (int, error)
}
