package service

import (
	"context"
	"errors"
	"time"

	aiRequest "CivicLink/internal/modules/ai/application/dto/request"
	aiRespond "CivicLink/internal/modules/ai/application/dto/respond"
	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	aiRepository "CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/internal/modules/ai/infrastructure/pipeline"
	ticketRequest "CivicLink/internal/modules/ticket/application/dto/request"
	ticketService "CivicLink/internal/modules/ticket/application/service"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"
	"CivicLink/pkg/util"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ClassifyService interface {
	// EnqueueClassify 把分类任务写入 outbox，立即返回，不等模型
	EnqueueClassify(req aiRequest.ClassifyRequest) (*aiRespond.ClassifyAccepted, error)

	// TrainCorrection 同步执行纠偏训练
	TrainCorrection(ctx context.Context, req aiRequest.TrainCorrectionRequest) (*aiRespond.TrainCorrectionRespond, error)
}

type classifyServiceImpl struct {
	eventRepo    aiRepository.ClassifyEventRepository
	deptRepo     ticketRepository.DepartmentRepository
	analysisRepo ticketRepository.AnalysisRepository
	routingSvc   ticketService.RoutingService
	trainer      *pipeline.TrainPipeline
}

func NewClassifyService(
	eventRepo aiRepository.ClassifyEventRepository,
	deptRepo ticketRepository.DepartmentRepository,
	analysisRepo ticketRepository.AnalysisRepository,
	routingSvc ticketService.RoutingService,
	trainer *pipeline.TrainPipeline,
) ClassifyService {
	return &classifyServiceImpl{
		eventRepo:    eventRepo,
		deptRepo:     deptRepo,
		analysisRepo: analysisRepo,
		routingSvc:   routingSvc,
		trainer:      trainer,
	}
}

func (s *classifyServiceImpl) EnqueueClassify(req aiRequest.ClassifyRequest) (*aiRespond.ClassifyAccepted, error) {
	if req.SessionUuid == "" || req.Text == "" {
		return nil, xerr.New(xerr.BadRequest, xerr.ErrParam.Message)
	}

	now := time.Now()
	eventUuid := util.GenerateUUID()
	// 同一条消息重复入队返回已有事件；没带消息uuid的请求没有去重依据，各算一次
	dedupKey := req.MessageUuid
	if dedupKey == "" {
		dedupKey = eventUuid
	}
	if req.MessageUuid != "" {
		existing, err := s.eventRepo.GetByDedupKey(dedupKey)
		if err == nil {
			return acceptedRespond(existing), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			zlog.Error(err.Error())
			return nil, xerr.ErrServerError
		}
	}

	ev := &aiEntity.ClassifyEvent{
		EventUuid:   eventUuid,
		SessionUuid: req.SessionUuid,
		MessageUuid: req.MessageUuid,
		DedupKey:    dedupKey,
		Text:        req.Text,
		Status:      aiEntity.ClassifyEventStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.eventRepo.Create(ev); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && req.MessageUuid != "" {
			// 并发下唯一索引兜底，读回胜者那条
			existing, rerr := s.eventRepo.GetByDedupKey(dedupKey)
			if rerr == nil {
				return acceptedRespond(existing), nil
			}
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}

	return acceptedRespond(ev), nil
}

func acceptedRespond(ev *aiEntity.ClassifyEvent) *aiRespond.ClassifyAccepted {
	return &aiRespond.ClassifyAccepted{
		EventUuid:   ev.EventUuid,
		SessionUuid: ev.SessionUuid,
		Status:      ev.Status,
	}
}

func (s *classifyServiceImpl) TrainCorrection(ctx context.Context, req aiRequest.TrainCorrectionRequest) (*aiRespond.TrainCorrectionRespond, error) {
	if req.DepartmentId <= 0 || req.Text == "" {
		return nil, xerr.New(xerr.BadRequest, xerr.ErrParam.Message)
	}

	dept, err := s.deptRepo.GetById(req.DepartmentId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.NotFound, "department not found")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !dept.IsActive {
		return nil, xerr.New(xerr.BadRequest, "department is disabled")
	}

	res, err := s.trainer.Train(ctx, &pipeline.TrainRequest{
		DepartmentId:   dept.Id,
		DepartmentName: dept.NameByLanguage(req.Language),
		Text:           req.Text,
		Language:       req.Language,
	})
	if err != nil {
		zlog.Error(err.Error())
		if pipeline.IsTransient(err) {
			return nil, xerr.New(xerr.InternalServerError, "embedding backend unavailable, try again later")
		}
		return nil, xerr.New(xerr.BadRequest, err.Error())
	}

	out := &aiRespond.TrainCorrectionRespond{
		PointID:  res.PointID,
		Language: res.Language,
	}

	// 带工单的纠偏还要改派工单并回写分类记录。
	// 改派失败（比如工单已关闭）不推翻已写入的训练点位。
	if req.SessionUuid != "" {
		_, routeErr := s.routingSvc.ApplyRoute(&ticketRequest.RouteRequest{
			SessionUuid:  req.SessionUuid,
			DepartmentId: dept.Id,
		}, "")
		if routeErr != nil {
			zlog.Warn("correction reroute failed",
				zap.String("session_uuid", req.SessionUuid),
				zap.Int64("department_id", dept.Id),
				zap.Error(routeErr),
			)
		} else {
			out.Rerouted = true
		}

		marked, markErr := s.analysisRepo.MarkLatestCorrected(req.SessionUuid, dept.Id, req.CorrectedByUuid, req.Notes)
		if markErr != nil {
			zlog.Warn("mark analysis corrected failed",
				zap.String("session_uuid", req.SessionUuid),
				zap.Error(markErr),
			)
		} else if !marked {
			zlog.Warn("no analysis record to correct", zap.String("session_uuid", req.SessionUuid))
		}
	}

	return out, nil
}
