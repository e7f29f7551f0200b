package service

import (
	"context"
	"errors"
	"time"

	"CivicLink/internal/modules/ai/infrastructure/webhook"
	realtimeService "CivicLink/internal/modules/realtime/application/service"
	"CivicLink/internal/modules/realtime/domain/event"
	ticketRequest "CivicLink/internal/modules/ticket/application/dto/request"
	ticketRespond "CivicLink/internal/modules/ticket/application/dto/respond"
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"
	"CivicLink/pkg/redis"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 幂等键缓存时长。分类侧重试窗口远小于这个值
const idempotencyKeyTTL = 24 * time.Hour

// RoutingService 路由回调入口。三个回调都按 X-Idempotency-Key 去重，
// 重复投递返回成功但不重复生效。
type RoutingService interface {
	// RoutingResult 落地分类审计记录并更新语言，命中部门时触发路由执行
	RoutingResult(req *ticketRequest.RoutingResultRequest, idempotencyKey string) error

	// ApplyRoute 执行路由。目标部门与当前相同时只更新意图并通知会话，不重置状态
	ApplyRoute(req *ticketRequest.RouteRequest, idempotencyKey string) (*ticketRespond.RouteRespond, error)

	// InjectionAlert 记录注入告警
	InjectionAlert(req *ticketRequest.InjectionAlertRequest, idempotencyKey string) error
}

type routingServiceImpl struct {
	sessionRepo      ticketRepository.SessionRepository
	deptRepo         ticketRepository.DepartmentRepository
	analysisRepo     ticketRepository.AnalysisRepository
	injectionLogRepo ticketRepository.InjectionLogRepository
	broadcaster      *realtimeService.Broadcaster
	hook             *webhook.Client
}

func NewRoutingService(
	sessionRepo ticketRepository.SessionRepository,
	deptRepo ticketRepository.DepartmentRepository,
	analysisRepo ticketRepository.AnalysisRepository,
	injectionLogRepo ticketRepository.InjectionLogRepository,
	broadcaster *realtimeService.Broadcaster,
	hook *webhook.Client,
) RoutingService {
	return &routingServiceImpl{
		sessionRepo:      sessionRepo,
		deptRepo:         deptRepo,
		analysisRepo:     analysisRepo,
		injectionLogRepo: injectionLogRepo,
		broadcaster:      broadcaster,
		hook:             hook,
	}
}

// seenIdempotencyKey 返回 true 表示该键已处理过。
// redis 不可用时退化为不去重，依赖下游操作自身的幂等性。
func seenIdempotencyKey(scope string, key string) bool {
	if key == "" || !redis.IsConnected() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fresh, err := redis.SetNX(ctx, "webhook:idem:"+scope+":"+key, "1", idempotencyKeyTTL)
	if err != nil {
		zlog.Warn("idempotency check failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return !fresh
}

func (s *routingServiceImpl) RoutingResult(req *ticketRequest.RoutingResultRequest, idempotencyKey string) error {
	if seenIdempotencyKey("routing-result", idempotencyKey) {
		return nil
	}

	sess, err := s.sessionRepo.GetByUuid(req.SessionUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xerr.New(xerr.NotFound, "ticket not found")
		}
		zlog.Error(err.Error())
		return xerr.ErrServerError
	}

	// 没有命中部门也要留审计记录
	record := &ticketEntity.AIAnalysis{
		SessionUuid:         req.SessionUuid,
		MessageUuid:         req.MessageUuid,
		DepartmentId:        req.DepartmentId,
		IntentLabel:         req.Intent,
		Confidence:          req.Confidence,
		Reason:              req.Reason,
		Language:            req.Language,
		VectorSearchResults: string(req.Candidates),
		PromptTokens:        req.PromptTokens,
		CompletionTokens:    req.CompletionTokens,
		ProcessingTimeMs:    req.ProcessingTimeMs,
	}
	if req.DepartmentId != nil {
		dept, err := s.deptRepo.GetById(*req.DepartmentId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return xerr.New(xerr.BadRequest, "unknown department")
			}
			zlog.Error(err.Error())
			return xerr.ErrServerError
		}
		record.DepartmentName = dept.NameByLanguage(req.Language)
	}
	if err := s.analysisRepo.CreateAnalysis(record); err != nil {
		zlog.Error(err.Error())
		return xerr.ErrServerError
	}

	if req.Language != "" && req.Language != sess.Language {
		if err := s.sessionRepo.UpdateLanguage(req.SessionUuid, req.Language); err != nil {
			zlog.Warn("update language failed", zap.String("session_uuid", req.SessionUuid), zap.Error(err))
		}
	}
	if req.Intent != "" && req.Intent != sess.IntentLabel {
		if err := s.sessionRepo.UpdateIntentLabel(req.SessionUuid, req.Intent); err != nil {
			zlog.Warn("update intent label failed", zap.String("session_uuid", req.SessionUuid), zap.Error(err))
		}
	}

	if req.DepartmentId != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := s.hook.PostRoute(ctx, idempotencyKey, webhook.RoutePayload{
			SessionUuid:  req.SessionUuid,
			MessageUuid:  req.MessageUuid,
			DepartmentId: *req.DepartmentId,
			Intent:       req.Intent,
		})
		if err != nil {
			zlog.Error("route webhook failed",
				zap.String("session_uuid", req.SessionUuid),
				zap.Int64("department_id", *req.DepartmentId),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *routingServiceImpl) ApplyRoute(req *ticketRequest.RouteRequest, idempotencyKey string) (*ticketRespond.RouteRespond, error) {
	sess, err := s.sessionRepo.GetByUuid(req.SessionUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.NotFound, "ticket not found")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}

	dept, err := s.deptRepo.GetById(req.DepartmentId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.BadRequest, "unknown department")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !dept.IsActive {
		return nil, xerr.New(xerr.BadRequest, "department is inactive")
	}

	routed := &ticketRespond.RouteRespond{
		DepartmentId:   dept.Id,
		DepartmentName: dept.NameByLanguage(sess.Language),
	}
	// 重复投递返回同样的路由结果，不再触发副作用
	if seenIdempotencyKey("route", idempotencyKey) {
		return routed, nil
	}

	if req.IntentLabel != "" && req.IntentLabel != sess.IntentLabel {
		if err := s.sessionRepo.UpdateIntentLabel(req.SessionUuid, req.IntentLabel); err != nil {
			zlog.Warn("update intent label failed", zap.String("session_uuid", req.SessionUuid), zap.Error(err))
		}
	}

	// 已在该部门时视作仅留言，不打断正在受理的工作，但会话里要能看到新消息
	if sess.DepartmentId != nil && *sess.DepartmentId == req.DepartmentId {
		s.broadcaster.Publish(event.KindMessageCreated, event.MessagePayload{
			SessionUuid: sess.Uuid,
			MessageUuid: req.MessageUuid,
			SenderRole:  ticketEntity.SenderRoleCitizen,
			CreatedAt:   time.Now(),
		},
			event.ChatGroup(sess.Uuid),
			event.DepartmentGroup(req.DepartmentId),
		)
		return routed, nil
	}

	ok, err := s.sessionRepo.ApplyDepartment(req.SessionUuid, req.DepartmentId)
	if err != nil {
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !ok {
		return nil, xerr.New(xerr.Conflict, "ticket already closed")
	}

	fresh, err := s.sessionRepo.GetByUuid(req.SessionUuid)
	if err != nil {
		zlog.Error(err.Error())
		return routed, nil
	}
	payload := event.SessionPayload{
		SessionUuid:  fresh.Uuid,
		Status:       fresh.Status,
		DepartmentId: fresh.DepartmentId,
		SlaDeadline:  fresh.SlaDeadline,
	}
	s.broadcaster.Publish(event.KindSessionCreated, payload,
		event.DepartmentGroup(req.DepartmentId),
		event.GroupSuperuser,
		event.ChatGroup(fresh.Uuid),
	)
	return routed, nil
}

func (s *routingServiceImpl) InjectionAlert(req *ticketRequest.InjectionAlertRequest, idempotencyKey string) error {
	if seenIdempotencyKey("injection-alert", idempotencyKey) {
		return nil
	}

	record := &ticketEntity.InjectionLog{
		SessionUuid:    req.SessionUuid,
		MessageUuid:    req.MessageUuid,
		Text:           req.Text,
		RiskScore:      req.RiskScore,
		MatchedPattern: req.MatchedPattern,
		SourceIP:       req.SourceIP,
	}
	if err := s.injectionLogRepo.CreateInjectionLog(record); err != nil {
		// 告警落库失败不向分类侧报错，避免重试风暴
		zlog.Error("injection log write failed",
			zap.String("session_uuid", req.SessionUuid),
			zap.Error(err),
		)
	}
	return nil
}
