package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/internal/modules/ai/infrastructure/mq"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
)

// EventPayload Kafka 上流转的分类事件载荷
type EventPayload struct {
	EventUuid   string `json:"event_uuid"`
	SessionUuid string `json:"session_uuid"`
	MessageUuid string `json:"message_uuid"`
	Text        string `json:"text"`
}

// 抢占后超过这个时长还停在 published 的事件视为中继挂掉，拨回 pending
const publishedVisibilityTimeout = 5 * time.Minute

// OutboxRelay 轮询 classify_event 表的 pending 行并投递到 Kafka。
// 先条件更新抢占再投递，多实例部署下同一事件只会被投一次；
// 投递失败回退成 pending，按退避时间重试。
// 抢占后进程崩溃的事件由可见期超时兜底重投，消费侧按 event_uuid 幂等。
type OutboxRelay struct {
	repo         repository.ClassifyEventRepository
	pub          mq.Publisher
	topic        string
	batchSize    int
	pollInterval time.Duration
}

func NewOutboxRelay(repo repository.ClassifyEventRepository, pub mq.Publisher, topic string, batchSize int, pollInterval time.Duration) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &OutboxRelay{
		repo:         repo,
		pub:          pub,
		topic:        strings.TrimSpace(topic),
		batchSize:    batchSize,
		pollInterval: pollInterval,
	}
}

func (r *OutboxRelay) Run(ctx context.Context) error {
	if r.repo == nil {
		return errors.New("classify event repo is nil")
	}
	if r.pub == nil {
		return errors.New("publisher is nil")
	}
	if r.topic == "" {
		return errors.New("kafka topic is empty")
	}

	backoff := r.pollInterval
	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		n, err := r.RunOnce(ctx)
		if err != nil {
			time.Sleep(backoff)
			backoff = backoff * 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = r.pollInterval

		if n == 0 {
			time.Sleep(r.pollInterval)
		}
	}
}

func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()

	requeued, err := r.repo.RequeueStalePublished(now.Add(-publishedVisibilityTimeout), r.batchSize)
	if err != nil {
		zlog.Warn("classify outbox relay requeue failed", zap.Error(err))
	} else if requeued > 0 {
		zlog.Warn("classify outbox relay requeued stale events", zap.Int("count", requeued))
	}

	events, err := r.repo.FetchPending(r.batchSize, now)
	if err != nil {
		zlog.Warn("classify outbox relay fetch failed", zap.Error(err))
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	for i := range events {
		ev := events[i]

		claimed, err := r.repo.MarkPublished(ev.EventUuid)
		if err != nil {
			zlog.Warn("classify outbox relay claim failed", zap.String("event_uuid", ev.EventUuid), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		body, err := json.Marshal(EventPayload{
			EventUuid:   ev.EventUuid,
			SessionUuid: ev.SessionUuid,
			MessageUuid: ev.MessageUuid,
			Text:        ev.Text,
		})
		if err != nil {
			_ = r.repo.MarkFailed(ev.EventUuid, ev.Attempts+1, err.Error(), nil)
			continue
		}

		// key 用工单 uuid，同一工单的事件落到同一分区保序
		_, pubErr := r.pub.Publish(ctx, mq.Message{
			Topic: r.topic,
			Key:   []byte(ev.SessionUuid),
			Value: body,
			Headers: map[string]string{
				"event_uuid":   ev.EventUuid,
				"session_uuid": ev.SessionUuid,
			},
		})
		if pubErr != nil {
			next := computeNextRetry(now, ev.Attempts)
			_ = r.repo.MarkFailed(ev.EventUuid, ev.Attempts+1, pubErr.Error(), &next)
			continue
		}
		published++
	}

	return published, nil
}

func computeNextRetry(now time.Time, retryCount int) time.Time {
	if retryCount < 0 {
		retryCount = 0
	}
	d := 500 * time.Millisecond
	for i := 0; i < retryCount && d < 5*time.Minute; i++ {
		d = d * 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return now.Add(d)
}
