package service

import (
	"errors"
	"strings"
	"time"

	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	notifyService "CivicLink/internal/modules/notify/application/service"
	realtimeService "CivicLink/internal/modules/realtime/application/service"
	"CivicLink/internal/modules/realtime/domain/event"
	ticketRequest "CivicLink/internal/modules/ticket/application/dto/request"
	ticketRespond "CivicLink/internal/modules/ticket/application/dto/respond"
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"
	"CivicLink/pkg/util"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const historyDefaultLimit = 200

// MessageService 工单内消息。市民在未路由的工单里发言会
// 同事务追加一条分类 outbox 事件，触发后台分类。
type MessageService interface {
	Send(sessionUuid string, senderUuid string, senderRole string, req *ticketRequest.SendMessageRequest) (*ticketRespond.SendMessageRespond, error)
	History(sessionUuid string, limit int) (*ticketRespond.HistoryRespond, error)
	UpdateDescription(sessionUuid string, staffUuid string, description string) error
}

type messageServiceImpl struct {
	sessionRepo ticketRepository.SessionRepository
	messageRepo ticketRepository.MessageRepository
	staffRepo   ticketRepository.StaffRepository
	broadcaster *realtimeService.Broadcaster
	notifier    notifyService.NotifyService
}

func NewMessageService(
	sessionRepo ticketRepository.SessionRepository,
	messageRepo ticketRepository.MessageRepository,
	staffRepo ticketRepository.StaffRepository,
	broadcaster *realtimeService.Broadcaster,
	notifier notifyService.NotifyService,
) MessageService {
	return &messageServiceImpl{
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		staffRepo:   staffRepo,
		broadcaster: broadcaster,
		notifier:    notifier,
	}
}

func (s *messageServiceImpl) Send(sessionUuid string, senderUuid string, senderRole string, req *ticketRequest.SendMessageRequest) (*ticketRespond.SendMessageRespond, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, xerr.New(xerr.BadRequest, "message text is empty")
	}

	sess, err := s.sessionRepo.GetByUuid(sessionUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.NotFound, "ticket not found")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if sess.Status == ticketEntity.SessionStatusClosed {
		return nil, xerr.New(xerr.Conflict, "ticket already closed")
	}
	// 市民只能在自己的工单里发言
	if senderRole == ticketEntity.SenderRoleCitizen && sess.CitizenUuid != senderUuid {
		return nil, xerr.New(xerr.Forbidden, "not your ticket")
	}

	clientMessageId := strings.TrimSpace(req.ClientMessageId)
	if clientMessageId != "" {
		existing, err := s.messageRepo.GetByClientMessageId(sessionUuid, clientMessageId)
		if err == nil {
			// 重复投递，返回已存在的消息，不再广播
			return s.duplicateRespond(existing)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			zlog.Error(err.Error())
			return nil, xerr.ErrServerError
		}
	}

	msg := &ticketEntity.Message{
		Uuid:        util.GenerateUUID(),
		SessionUuid: sessionUuid,
		SenderUuid:  senderUuid,
		SenderRole:  senderRole,
	}
	if clientMessageId != "" {
		msg.ClientMessageId = &clientMessageId
	}
	contents := []*ticketEntity.MessageContent{{
		ContentType: "text",
		Text:        text,
	}}

	// 未路由工单里的市民消息才触发分类
	var classifyEvent *aiEntity.ClassifyEvent
	if senderRole == ticketEntity.SenderRoleCitizen && sess.DepartmentId == nil {
		classifyEvent = &aiEntity.ClassifyEvent{
			EventUuid:   util.GenerateUUID(),
			SessionUuid: sessionUuid,
			MessageUuid: msg.Uuid,
			DedupKey:    msg.Uuid,
			Text:        text,
			Status:      aiEntity.ClassifyEventStatusPending,
		}
	}

	if err := s.messageRepo.CreateWithContent(msg, contents, classifyEvent); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && clientMessageId != "" {
			// 并发下唯一索引兜底，读回胜者那条
			existing, rerr := s.messageRepo.GetByClientMessageId(sessionUuid, clientMessageId)
			if rerr == nil {
				return s.duplicateRespond(existing)
			}
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}

	if err := s.sessionRepo.TouchLastMessaged(sessionUuid, msg.CreatedAt); err != nil {
		zlog.Warn("touch last_messaged failed", zap.String("session_uuid", sessionUuid), zap.Error(err))
	}

	payload := event.MessagePayload{
		SessionUuid: sessionUuid,
		MessageUuid: msg.Uuid,
		SenderUuid:  senderUuid,
		SenderRole:  senderRole,
		Text:        text,
		CreatedAt:   msg.CreatedAt,
	}
	groups := []string{event.ChatGroup(sessionUuid)}
	if sess.DepartmentId != nil {
		groups = append(groups, event.DepartmentGroup(*sess.DepartmentId))
	}
	s.broadcaster.Publish(event.KindMessageCreated, payload, groups...)

	// 来源是 telegram 的工单，工作人员回复要回传到市民的会话
	if senderRole == ticketEntity.SenderRoleStaff && s.notifier != nil {
		s.notifier.StaffReply(sess.TelegramChatId, sessionUuid, text)
	}

	return &ticketRespond.SendMessageRespond{
		Message: ticketRespond.MessageItem{
			Uuid:       msg.Uuid,
			SenderUuid: msg.SenderUuid,
			SenderRole: msg.SenderRole,
			Text:       text,
			CreatedAt:  msg.CreatedAt,
		},
	}, nil
}

func (s *messageServiceImpl) duplicateRespond(existing *ticketEntity.Message) (*ticketRespond.SendMessageRespond, error) {
	item := ticketRespond.MessageItem{
		Uuid:       existing.Uuid,
		SenderUuid: existing.SenderUuid,
		SenderRole: existing.SenderRole,
		CreatedAt:  existing.CreatedAt,
	}
	return &ticketRespond.SendMessageRespond{
		Message:   item,
		Duplicate: true,
		Notice:    "Duplicate message skipped",
	}, nil
}

func (s *messageServiceImpl) History(sessionUuid string, limit int) (*ticketRespond.HistoryRespond, error) {
	sess, err := s.sessionRepo.GetByUuid(sessionUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.NotFound, "ticket not found")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if limit <= 0 || limit > 1000 {
		limit = historyDefaultLimit
	}

	rows, err := s.messageRepo.ListBySession(sessionUuid, limit)
	if err != nil {
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}

	items := make([]ticketRespond.MessageItem, 0, len(rows))
	for i := range rows {
		items = append(items, ticketRespond.MessageItem{
			Uuid:       rows[i].Message.Uuid,
			SenderUuid: rows[i].Message.SenderUuid,
			SenderRole: rows[i].Message.SenderRole,
			Text:       rows[i].Text,
			CreatedAt:  rows[i].Message.CreatedAt,
		})
	}

	// 超时状态读时实时计算，不依赖清扫任务；清扫打过的标也算数
	breached := sess.SlaBreached ||
		(!sess.IsTerminal() &&
			sess.Status != ticketEntity.SessionStatusEscalated &&
			sess.SlaDeadline != nil &&
			time.Now().After(*sess.SlaDeadline))

	return &ticketRespond.HistoryRespond{
		Session:     *toSessionRespond(sess),
		SlaBreached: breached,
		Messages:    items,
	}, nil
}

func (s *messageServiceImpl) UpdateDescription(sessionUuid string, staffUuid string, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return xerr.New(xerr.BadRequest, "description is empty")
	}

	sess, err := s.sessionRepo.GetByUuid(sessionUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xerr.New(xerr.NotFound, "ticket not found")
		}
		zlog.Error(err.Error())
		return xerr.ErrServerError
	}
	if sess.Status == ticketEntity.SessionStatusClosed {
		return xerr.New(xerr.Conflict, "ticket already closed")
	}

	staff, err := s.staffRepo.GetByUuid(staffUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xerr.New(xerr.Forbidden, "staff profile required")
		}
		zlog.Error(err.Error())
		return xerr.ErrServerError
	}
	allowed := staff.IsSuperuser
	if !allowed && sess.AssignedStaffUuid != nil && *sess.AssignedStaffUuid == staffUuid {
		allowed = true
	}
	if !allowed {
		return xerr.New(xerr.Forbidden, "only the assigned staff can edit the description")
	}

	if err := s.sessionRepo.UpdateDescription(sessionUuid, description); err != nil {
		zlog.Error(err.Error())
		return xerr.ErrServerError
	}
	return nil
}
