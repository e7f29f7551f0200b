package service

import (
	"testing"
	"time"

	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	realtimeService "CivicLink/internal/modules/realtime/application/service"
	ticketRequest "CivicLink/internal/modules/ticket/application/dto/request"
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketPersistence "CivicLink/internal/modules/ticket/infrastructure/persistence"
	"CivicLink/pkg/ws"
	"CivicLink/pkg/xerr"

	"gorm.io/gorm"
)

func newMessageService(t *testing.T, db *gorm.DB) MessageService {
	t.Helper()
	return NewMessageService(
		ticketPersistence.NewSessionRepository(db),
		ticketPersistence.NewMessageRepository(db),
		ticketPersistence.NewStaffRepository(db),
		realtimeService.NewBroadcaster(ws.NewHub()),
		nil,
	)
}

func TestSend_CitizenUnroutedEnqueuesClassification(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	got, err := svc.Send("s1", "c1", ticketEntity.SenderRoleCitizen, &ticketRequest.SendMessageRequest{
		Text: "Ko'chada chiroq yonmayapti",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Duplicate {
		t.Error("fresh send should not be a duplicate")
	}

	var events []aiEntity.ClassifyEvent
	db.Find(&events)
	if len(events) != 1 {
		t.Fatalf("classify events = %d, want 1", len(events))
	}
	if events[0].SessionUuid != "s1" || events[0].MessageUuid != got.Message.Uuid {
		t.Errorf("event refs = (%q, %q)", events[0].SessionUuid, events[0].MessageUuid)
	}
	if events[0].Status != aiEntity.ClassifyEventStatusPending {
		t.Errorf("event status = %q, want pending", events[0].Status)
	}
	if events[0].DedupKey != got.Message.Uuid {
		t.Errorf("dedup_key = %q, want message uuid %q", events[0].DedupKey, got.Message.Uuid)
	}

	var sess ticketEntity.Session
	db.Where("uuid = ?", "s1").First(&sess)
	if sess.LastMessaged == nil {
		t.Error("last_messaged not refreshed on send")
	}
}

func TestSend_RoutedSessionSkipsClassification(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1", DepartmentId: int64Ptr(1)})

	if _, err := svc.Send("s1", "c1", ticketEntity.SenderRoleCitizen, &ticketRequest.SendMessageRequest{Text: "rahmat"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var count int64
	db.Model(&aiEntity.ClassifyEvent{}).Count(&count)
	if count != 0 {
		t.Errorf("classify events = %d, want 0 for routed session", count)
	}
}

func TestSend_StaffMessageSkipsClassification(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	if _, err := svc.Send("s1", "staff-a", ticketEntity.SenderRoleStaff, &ticketRequest.SendMessageRequest{Text: "salom"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var count int64
	db.Model(&aiEntity.ClassifyEvent{}).Count(&count)
	if count != 0 {
		t.Errorf("classify events = %d, want 0 for staff message", count)
	}
}

func TestSend_DuplicateClientMessageId(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	req := &ticketRequest.SendMessageRequest{Text: "suv yo'q", ClientMessageId: "cli-1"}
	first, err := svc.Send("s1", "c1", ticketEntity.SenderRoleCitizen, req)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}

	second, err := svc.Send("s1", "c1", ticketEntity.SenderRoleCitizen, req)
	if err != nil {
		t.Fatalf("duplicate send: %v", err)
	}
	if !second.Duplicate {
		t.Error("second send should be flagged as duplicate")
	}
	if second.Message.Uuid != first.Message.Uuid {
		t.Errorf("duplicate uuid = %q, want original %q", second.Message.Uuid, first.Message.Uuid)
	}
	if second.Notice != "Duplicate message skipped" {
		t.Errorf("notice = %q", second.Notice)
	}

	var count int64
	db.Model(&ticketEntity.Message{}).Count(&count)
	if count != 1 {
		t.Errorf("messages = %d, want 1", count)
	}
	// 重复投递不会再排一次分类
	db.Model(&aiEntity.ClassifyEvent{}).Count(&count)
	if count != 1 {
		t.Errorf("classify events = %d, want 1", count)
	}
}

func TestSend_ClosedSessionConflict(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	seedSession(t, db, &ticketEntity.Session{
		Uuid: "s1", CitizenUuid: "c1", Status: ticketEntity.SessionStatusClosed,
	})

	_, err := svc.Send("s1", "c1", ticketEntity.SenderRoleCitizen, &ticketRequest.SendMessageRequest{Text: "x"})
	if codeOf(t, err) != xerr.Conflict {
		t.Errorf("send to closed ticket should conflict, got %v", err)
	}
}

func TestSend_CitizenOtherSessionForbidden(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	_, err := svc.Send("s1", "c2", ticketEntity.SenderRoleCitizen, &ticketRequest.SendMessageRequest{Text: "x"})
	if codeOf(t, err) != xerr.Forbidden {
		t.Errorf("citizen posting to another ticket should be forbidden, got %v", err)
	}
}

func TestHistory_RecomputesSlaBreached(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	past := time.Now().Add(-time.Hour)
	staff := "staff-a"
	seedSession(t, db, &ticketEntity.Session{
		Uuid: "s1", CitizenUuid: "c1",
		Status:            ticketEntity.SessionStatusAssigned,
		AssignedStaffUuid: &staff,
		SlaDeadline:       &past,
	})
	if _, err := svc.Send("s1", "c1", ticketEntity.SenderRoleCitizen, &ticketRequest.SendMessageRequest{Text: "hali ham kutyapman"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := svc.History("s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !got.SlaBreached {
		t.Error("past deadline should read as breached")
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(got.Messages))
	}
	if got.Messages[0].Text != "hali ham kutyapman" {
		t.Errorf("text = %q", got.Messages[0].Text)
	}
}

func TestUpdateDescription_Permissions(t *testing.T) {
	db := openTestDB(t)
	svc := newMessageService(t, db)
	staff := "staff-a"
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz"})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-b", Username: "bek"})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "root", Username: "root", IsSuperuser: true})
	seedSession(t, db, &ticketEntity.Session{
		Uuid: "s1", CitizenUuid: "c1",
		Status:            ticketEntity.SessionStatusAssigned,
		AssignedStaffUuid: &staff,
	})

	if err := svc.UpdateDescription("s1", "staff-b", "yangi tavsif"); codeOf(t, err) != xerr.Forbidden {
		t.Errorf("update by non-assignee should be forbidden, got %v", err)
	}
	if err := svc.UpdateDescription("s1", "staff-a", "yangi tavsif"); err != nil {
		t.Errorf("update by assignee: %v", err)
	}
	if err := svc.UpdateDescription("s1", "root", "boshqa tavsif"); err != nil {
		t.Errorf("update by superuser: %v", err)
	}

	var sess ticketEntity.Session
	db.Where("uuid = ?", "s1").First(&sess)
	if sess.Description != "boshqa tavsif" {
		t.Errorf("description = %q", sess.Description)
	}
}
