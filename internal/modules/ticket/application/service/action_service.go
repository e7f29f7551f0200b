package service

import (
	"errors"
	"time"

	notifyService "CivicLink/internal/modules/notify/application/service"
	realtimeService "CivicLink/internal/modules/realtime/application/service"
	"CivicLink/internal/modules/realtime/domain/event"
	ticketRespond "CivicLink/internal/modules/ticket/application/dto/respond"
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActionService 工单生命周期操作。所有迁移守卫落在仓储的条件更新上，
// 这里的预检查只为给出准确的错误提示，真正的并发裁决看影响行数。
type ActionService interface {
	Assign(sessionUuid string, staffUuid string) (*ticketRespond.SessionRespond, error)
	Hold(sessionUuid string, staffUuid string) (*ticketRespond.SessionRespond, error)
	Escalate(sessionUuid string, staffUuid string) (*ticketRespond.SessionRespond, error)
	Close(sessionUuid string, staffUuid string) (*ticketRespond.CloseRespond, error)

	// SweepSlaBreaches 服务时限清扫：给超时工单打标并推送提醒。
	// 上报仍是工作人员的显式操作，清扫不碰受理状态。
	SweepSlaBreaches(limit int) (int, error)
}

type actionServiceImpl struct {
	sessionRepo ticketRepository.SessionRepository
	staffRepo   ticketRepository.StaffRepository
	broadcaster *realtimeService.Broadcaster
	notifier    notifyService.NotifyService

	slaThresholdDays  int
	holdExtensionDays int
}

func NewActionService(
	sessionRepo ticketRepository.SessionRepository,
	staffRepo ticketRepository.StaffRepository,
	broadcaster *realtimeService.Broadcaster,
	notifier notifyService.NotifyService,
	slaThresholdDays int,
	holdExtensionDays int,
) ActionService {
	if slaThresholdDays <= 0 {
		slaThresholdDays = 3
	}
	if holdExtensionDays <= 0 {
		holdExtensionDays = 2
	}
	return &actionServiceImpl{
		sessionRepo:       sessionRepo,
		staffRepo:         staffRepo,
		broadcaster:       broadcaster,
		notifier:          notifier,
		slaThresholdDays:  slaThresholdDays,
		holdExtensionDays: holdExtensionDays,
	}
}

func toSessionRespond(s *ticketEntity.Session) *ticketRespond.SessionRespond {
	return &ticketRespond.SessionRespond{
		Uuid:              s.Uuid,
		Status:            s.Status,
		Title:             s.Title,
		Description:       s.Description,
		Language:          s.Language,
		IntentLabel:       s.IntentLabel,
		DepartmentId:      s.DepartmentId,
		AssignedStaffUuid: s.AssignedStaffUuid,
		IsHold:            s.IsHold,
		SlaDeadline:       s.SlaDeadline,
		SlaBreached:       s.SlaBreached,
		ClosedAt:          s.ClosedAt,
		CreatedAt:         s.CreatedAt,
	}
}

func (s *actionServiceImpl) getSession(sessionUuid string) (*ticketEntity.Session, error) {
	sess, err := s.sessionRepo.GetByUuid(sessionUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.NotFound, "ticket not found")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	return sess, nil
}

func (s *actionServiceImpl) getStaff(staffUuid string) (*ticketEntity.StaffProfile, error) {
	staff, err := s.staffRepo.GetByUuid(staffUuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerr.New(xerr.Forbidden, "staff profile required")
		}
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	return staff, nil
}

func (s *actionServiceImpl) Assign(sessionUuid string, staffUuid string) (*ticketRespond.SessionRespond, error) {
	staff, err := s.getStaff(staffUuid)
	if err != nil {
		return nil, err
	}
	sess, err := s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	// 只能受理本部门的工单，超管除外
	if sess.DepartmentId != nil && !staff.IsSuperuser {
		if staff.DepartmentId == nil || *staff.DepartmentId != *sess.DepartmentId {
			return nil, xerr.New(xerr.Forbidden, "ticket belongs to another department")
		}
	}
	if conflictErr := assignConflict(sess, staffUuid); conflictErr != nil {
		return nil, conflictErr
	}

	deadline := time.Now().AddDate(0, 0, s.slaThresholdDays)
	ok, err := s.sessionRepo.AssignStaff(sessionUuid, staffUuid, deadline)
	if err != nil {
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !ok {
		// 并发下输给了别人，重读给出准确的冲突原因
		sess, err = s.getSession(sessionUuid)
		if err != nil {
			return nil, err
		}
		if conflictErr := assignConflict(sess, staffUuid); conflictErr != nil {
			return nil, conflictErr
		}
		return nil, xerr.New(xerr.Conflict, "ticket state changed, try again")
	}

	sess, err = s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	payload := event.SessionPayload{
		SessionUuid:  sess.Uuid,
		Status:       sess.Status,
		DepartmentId: sess.DepartmentId,
		StaffUuid:    staffUuid,
		SlaDeadline:  sess.SlaDeadline,
	}
	groups := []string{event.ChatGroup(sess.Uuid), event.StaffGroup(staffUuid)}
	if sess.DepartmentId != nil {
		groups = append(groups, event.DepartmentGroup(*sess.DepartmentId))
	}
	s.broadcaster.Publish(event.KindSessionAssigned, payload, groups...)

	if s.notifier != nil {
		s.notifier.SessionAssigned(sess.TelegramChatId, sess.Uuid)
	}

	return toSessionRespond(sess), nil
}

func assignConflict(sess *ticketEntity.Session, staffUuid string) error {
	if sess.Status == ticketEntity.SessionStatusClosed {
		return xerr.New(xerr.Conflict, "ticket already closed")
	}
	if sess.AssignedStaffUuid != nil {
		if *sess.AssignedStaffUuid == staffUuid {
			return xerr.New(xerr.Conflict, "ticket already assigned to you")
		}
		return xerr.New(xerr.Conflict, "ticket already assigned to another staff")
	}
	return nil
}

func (s *actionServiceImpl) Hold(sessionUuid string, staffUuid string) (*ticketRespond.SessionRespond, error) {
	staff, err := s.getStaff(staffUuid)
	if err != nil {
		return nil, err
	}
	sess, err := s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	if sess.Status == ticketEntity.SessionStatusClosed {
		return nil, xerr.New(xerr.Conflict, "ticket already closed")
	}
	// 受理人、同部门成员或超管可延期，和上报同一套权限口径
	allowed := staff.IsSuperuser
	if !allowed && sess.AssignedStaffUuid != nil && *sess.AssignedStaffUuid == staffUuid {
		allowed = true
	}
	if !allowed && sess.DepartmentId != nil && staff.DepartmentId != nil && *staff.DepartmentId == *sess.DepartmentId {
		allowed = true
	}
	if !allowed {
		return nil, xerr.New(xerr.Forbidden, "not allowed to hold this ticket")
	}
	if sess.IsHold {
		return nil, xerr.New(xerr.Conflict, "hold already used for this ticket")
	}
	if sess.SlaDeadline == nil {
		return nil, xerr.New(xerr.BadRequest, "ticket has no deadline to extend")
	}

	newDeadline := sess.SlaDeadline.AddDate(0, 0, s.holdExtensionDays)
	ok, err := s.sessionRepo.HoldOnce(sessionUuid, newDeadline)
	if err != nil {
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !ok {
		return nil, xerr.New(xerr.Conflict, "hold already used for this ticket")
	}

	sess, err = s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	payload := event.SessionPayload{
		SessionUuid:  sess.Uuid,
		Status:       sess.Status,
		DepartmentId: sess.DepartmentId,
		StaffUuid:    staffUuid,
		SlaDeadline:  sess.SlaDeadline,
	}
	groups := []string{event.ChatGroup(sess.Uuid)}
	if sess.DepartmentId != nil {
		groups = append(groups, event.DepartmentGroup(*sess.DepartmentId))
	}
	s.broadcaster.Publish(event.KindSessionHold, payload, groups...)

	return toSessionRespond(sess), nil
}

func (s *actionServiceImpl) Escalate(sessionUuid string, staffUuid string) (*ticketRespond.SessionRespond, error) {
	staff, err := s.getStaff(staffUuid)
	if err != nil {
		return nil, err
	}
	sess, err := s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	if sess.Status == ticketEntity.SessionStatusClosed {
		return nil, xerr.New(xerr.Conflict, "ticket already closed")
	}
	// 受理人、同部门成员或超管可上报
	allowed := staff.IsSuperuser
	if !allowed && sess.AssignedStaffUuid != nil && *sess.AssignedStaffUuid == staffUuid {
		allowed = true
	}
	if !allowed && sess.DepartmentId != nil && staff.DepartmentId != nil && *staff.DepartmentId == *sess.DepartmentId {
		allowed = true
	}
	if !allowed {
		return nil, xerr.New(xerr.Forbidden, "not allowed to escalate this ticket")
	}

	priorDept := sess.DepartmentId

	ok, err := s.sessionRepo.Escalate(sessionUuid)
	if err != nil {
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !ok {
		return nil, xerr.New(xerr.Conflict, "ticket already closed")
	}

	sess, err = s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	s.broadcastEscalated(sess, staffUuid, priorDept)
	return toSessionRespond(sess), nil
}

func (s *actionServiceImpl) broadcastEscalated(sess *ticketEntity.Session, staffUuid string, priorDept *int64) {
	payload := event.SessionPayload{
		SessionUuid: sess.Uuid,
		Status:      sess.Status,
		StaffUuid:   staffUuid,
	}
	groups := []string{event.GroupSuperuser, event.GroupVip, event.ChatGroup(sess.Uuid)}
	if priorDept != nil {
		groups = append(groups, event.DepartmentGroup(*priorDept))
	}
	s.broadcaster.Publish(event.KindSessionEscalated, payload, groups...)

	if s.notifier != nil {
		s.notifier.SessionEscalated(sess.TelegramChatId, sess.Uuid)
	}
}

func (s *actionServiceImpl) Close(sessionUuid string, staffUuid string) (*ticketRespond.CloseRespond, error) {
	if _, err := s.getStaff(staffUuid); err != nil {
		return nil, err
	}
	sess, err := s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	if sess.Status == ticketEntity.SessionStatusClosed {
		return nil, xerr.New(xerr.Conflict, "ticket already closed")
	}
	if sess.AssignedStaffUuid == nil || *sess.AssignedStaffUuid != staffUuid {
		return nil, xerr.New(xerr.Forbidden, "only the assigned staff can close")
	}

	// 关闭和绩效计数同一事务提交，不会关了单丢计数
	closedAt := time.Now()
	won, closedToday, newBest, err := s.sessionRepo.CloseAndCount(sessionUuid, staffUuid, closedAt)
	if err != nil {
		zlog.Error(err.Error())
		return nil, xerr.ErrServerError
	}
	if !won {
		return nil, xerr.New(xerr.Conflict, "ticket state changed, try again")
	}

	sess, err = s.getSession(sessionUuid)
	if err != nil {
		return nil, err
	}

	payload := event.SessionPayload{
		SessionUuid:  sess.Uuid,
		Status:       sess.Status,
		DepartmentId: sess.DepartmentId,
		StaffUuid:    staffUuid,
	}
	groups := []string{event.ChatGroup(sess.Uuid)}
	if sess.DepartmentId != nil {
		groups = append(groups, event.DepartmentGroup(*sess.DepartmentId))
	}
	s.broadcaster.Publish(event.KindSessionClosed, payload, groups...)

	if s.notifier != nil {
		s.notifier.SessionClosed(sess.TelegramChatId, sess.Uuid)
	}

	return &ticketRespond.CloseRespond{
		Session:         *toSessionRespond(sess),
		ClosedToday:     closedToday,
		NewPersonalBest: newBest,
	}, nil
}

// SweepSlaBreaches 只打 sla_breached 标并提醒相关席位，
// 受理人、部门和时限全部保持原样。
func (s *actionServiceImpl) SweepSlaBreaches(limit int) (int, error) {
	breached, err := s.sessionRepo.ListSlaBreached(time.Now(), limit)
	if err != nil {
		zlog.Error(err.Error())
		return 0, err
	}

	flagged := 0
	for i := range breached {
		sess := breached[i]
		ok, err := s.sessionRepo.MarkSlaBreached(sess.Uuid)
		if err != nil {
			zlog.Warn("sla sweep flag failed", zap.String("session_uuid", sess.Uuid), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		flagged++

		payload := event.SessionPayload{
			SessionUuid:  sess.Uuid,
			Status:       sess.Status,
			DepartmentId: sess.DepartmentId,
			SlaDeadline:  sess.SlaDeadline,
			Reason:       "sla deadline breached",
		}
		groups := []string{event.GroupSuperuser}
		if sess.DepartmentId != nil {
			groups = append(groups, event.DepartmentGroup(*sess.DepartmentId))
		}
		if sess.AssignedStaffUuid != nil {
			groups = append(groups, event.StaffGroup(*sess.AssignedStaffUuid))
		}
		s.broadcaster.Publish(event.KindStaffNotification, payload, groups...)
	}
	return flagged, nil
}
