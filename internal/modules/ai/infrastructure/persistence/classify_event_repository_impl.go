package persistence

import (
	"time"

	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	aiRepository "CivicLink/internal/modules/ai/domain/repository"

	"gorm.io/gorm"
)

type classifyEventRepositoryImpl struct {
	db *gorm.DB
}

func NewClassifyEventRepository(db *gorm.DB) aiRepository.ClassifyEventRepository {
	return &classifyEventRepositoryImpl{db: db}
}

func (r *classifyEventRepositoryImpl) Create(event *aiEntity.ClassifyEvent) error {
	return r.db.Create(event).Error
}

func (r *classifyEventRepositoryImpl) GetByUuid(eventUuid string) (*aiEntity.ClassifyEvent, error) {
	var ev aiEntity.ClassifyEvent
	if err := r.db.Where("event_uuid = ?", eventUuid).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *classifyEventRepositoryImpl) GetByDedupKey(dedupKey string) (*aiEntity.ClassifyEvent, error) {
	var ev aiEntity.ClassifyEvent
	if err := r.db.Where("dedup_key = ?", dedupKey).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *classifyEventRepositoryImpl) FetchPending(limit int, now time.Time) ([]aiEntity.ClassifyEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []aiEntity.ClassifyEvent
	err := r.db.
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			aiEntity.ClassifyEventStatusPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *classifyEventRepositoryImpl) MarkPublished(eventUuid string) (bool, error) {
	res := r.db.Model(&aiEntity.ClassifyEvent{}).
		Where("event_uuid = ? AND status = ?", eventUuid, aiEntity.ClassifyEventStatusPending).
		Update("status", aiEntity.ClassifyEventStatusPublished)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *classifyEventRepositoryImpl) MarkDone(eventUuid string) error {
	return r.db.Model(&aiEntity.ClassifyEvent{}).
		Where("event_uuid = ?", eventUuid).
		Update("status", aiEntity.ClassifyEventStatusDone).Error
}

func (r *classifyEventRepositoryImpl) MarkFailed(eventUuid string, attempts int, lastError string, nextRetryAt *time.Time) error {
	status := aiEntity.ClassifyEventStatusPending
	if nextRetryAt == nil {
		status = aiEntity.ClassifyEventStatusFailed
	}
	return r.db.Model(&aiEntity.ClassifyEvent{}).
		Where("event_uuid = ?", eventUuid).
		Updates(map[string]interface{}{
			"status":        status,
			"attempts":      attempts,
			"last_error":    lastError,
			"next_retry_at": nextRetryAt,
		}).Error
}

// RequeueStalePublished 投递后没等到消费回执的事件拨回 pending。
// 用 updated_at 判断停留时长，重投由 Kafka 侧的幂等消费兜底。
func (r *classifyEventRepositoryImpl) RequeueStalePublished(cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	var uuids []string
	err := r.db.Model(&aiEntity.ClassifyEvent{}).
		Where("status = ? AND updated_at < ?", aiEntity.ClassifyEventStatusPublished, cutoff).
		Order("id ASC").
		Limit(limit).
		Pluck("event_uuid", &uuids).Error
	if err != nil {
		return 0, err
	}
	if len(uuids) == 0 {
		return 0, nil
	}
	res := r.db.Model(&aiEntity.ClassifyEvent{}).
		Where("event_uuid IN ? AND status = ?", uuids, aiEntity.ClassifyEventStatusPublished).
		Update("status", aiEntity.ClassifyEventStatusPending)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
