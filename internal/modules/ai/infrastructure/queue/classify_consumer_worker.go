package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	"CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/internal/modules/ai/infrastructure/mq"
	"CivicLink/internal/modules/ai/infrastructure/pipeline"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
)

// 暂时性失败最多重试这么多次，之后事件进入 failed 终态
const maxClassifyAttempts = 3

// retryDelay 第 n 次重试前的等待
func retryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	return time.Duration(attempts) * 10 * time.Second
}

// ClassifyConsumerWorker 消费分类事件并驱动 Pipeline。
// 暂时性失败把事件回退成 pending 并带上重试时间，由中继器重投；
// 结构性失败直接进 failed，重试也不会有不同结果。
type ClassifyConsumerWorker struct {
	consumer  mq.Consumer
	eventRepo repository.ClassifyEventRepository
	pipeline  *pipeline.ClassifyPipeline
}

func NewClassifyConsumerWorker(consumer mq.Consumer, eventRepo repository.ClassifyEventRepository, p *pipeline.ClassifyPipeline) *ClassifyConsumerWorker {
	return &ClassifyConsumerWorker{
		consumer:  consumer,
		eventRepo: eventRepo,
		pipeline:  p,
	}
}

func (w *ClassifyConsumerWorker) Run(ctx context.Context) error {
	if w == nil || w.consumer == nil {
		return errors.New("consumer is nil")
	}
	if w.eventRepo == nil {
		return errors.New("event repo is nil")
	}
	if w.pipeline == nil {
		return errors.New("pipeline is nil")
	}
	return w.consumer.Run(ctx, w)
}

func (w *ClassifyConsumerWorker) Handle(ctx context.Context, msg mq.Message) error {
	var payload EventPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		zlog.Warn("classify consumer invalid payload", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}
	if strings.TrimSpace(payload.EventUuid) == "" {
		zlog.Warn("classify consumer missing event_uuid", zap.String("topic", msg.Topic))
		return nil
	}

	ev, err := w.eventRepo.GetByUuid(payload.EventUuid)
	if err != nil {
		zlog.Warn("classify consumer get event failed", zap.String("event_uuid", payload.EventUuid), zap.Error(err))
		return err
	}
	if ev.Status == aiEntity.ClassifyEventStatusDone || ev.Status == aiEntity.ClassifyEventStatusFailed {
		return nil
	}

	_, procErr := w.pipeline.Classify(ctx, &pipeline.ClassifyRequest{
		SessionUuid: ev.SessionUuid,
		MessageUuid: ev.MessageUuid,
		Text:        ev.Text,
	})
	if procErr == nil {
		if err := w.eventRepo.MarkDone(ev.EventUuid); err != nil {
			zlog.Warn("classify consumer mark done failed", zap.String("event_uuid", ev.EventUuid), zap.Error(err))
			return err
		}
		return nil
	}

	attempts := ev.Attempts + 1
	if pipeline.IsTransient(procErr) && attempts < maxClassifyAttempts {
		next := time.Now().Add(retryDelay(attempts))
		_ = w.eventRepo.MarkFailed(ev.EventUuid, attempts, scrubErrMsg(procErr.Error()), &next)
		zlog.Warn("classify event retry scheduled",
			zap.String("event_uuid", ev.EventUuid),
			zap.Int("attempts", attempts),
			zap.Time("next_retry_at", next),
			zap.String("error", scrubErrMsg(procErr.Error())),
		)
		return nil
	}

	_ = w.eventRepo.MarkFailed(ev.EventUuid, attempts, scrubErrMsg(procErr.Error()), nil)
	zlog.Warn("classify event failed",
		zap.String("event_uuid", ev.EventUuid),
		zap.String("session_uuid", ev.SessionUuid),
		zap.Int("attempts", attempts),
		zap.Bool("transient", pipeline.IsTransient(procErr)),
		zap.String("error", scrubErrMsg(procErr.Error())),
	)
	return nil
}

func scrubErrMsg(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	low := strings.ToLower(s)
	if strings.Contains(low, "api_key") || strings.Contains(low, "apikey") || strings.Contains(low, "secret") || strings.Contains(s, "sk-") {
		return "redacted"
	}
	if len(s) > 255 {
		return s[:255]
	}
	return s
}
