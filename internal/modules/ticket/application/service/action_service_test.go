package service

import (
	"testing"
	"time"

	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	realtimeService "CivicLink/internal/modules/realtime/application/service"
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketPersistence "CivicLink/internal/modules/ticket/infrastructure/persistence"
	"CivicLink/pkg/ws"
	"CivicLink/pkg/xerr"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	err = db.AutoMigrate(
		&ticketEntity.Session{},
		&ticketEntity.Message{},
		&ticketEntity.MessageContent{},
		&ticketEntity.Department{},
		&ticketEntity.StaffProfile{},
		&ticketEntity.StaffDailyPerformance{},
		&ticketEntity.AIAnalysis{},
		&ticketEntity.InjectionLog{},
		&aiEntity.ClassifyEvent{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newActionService(t *testing.T, db *gorm.DB) ActionService {
	t.Helper()
	return NewActionService(
		ticketPersistence.NewSessionRepository(db),
		ticketPersistence.NewStaffRepository(db),
		realtimeService.NewBroadcaster(ws.NewHub()),
		nil,
		3, 2,
	)
}

func seedStaff(t *testing.T, db *gorm.DB, staff *ticketEntity.StaffProfile) {
	t.Helper()
	if err := db.Create(staff).Error; err != nil {
		t.Fatalf("seed staff: %v", err)
	}
}

func seedSession(t *testing.T, db *gorm.DB, sess *ticketEntity.Session) {
	t.Helper()
	if sess.Language == "" {
		sess.Language = "uz"
	}
	if sess.Status == "" {
		sess.Status = ticketEntity.SessionStatusOpen
	}
	if err := db.Create(sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func codeOf(t *testing.T, err error) int {
	t.Helper()
	ce, ok := err.(*xerr.CodeError)
	if !ok {
		t.Fatalf("err = %v, want *xerr.CodeError", err)
	}
	return ce.Code
}

func int64Ptr(v int64) *int64 { return &v }

func TestAssign_SetsDeadlineAndStatus(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz", DepartmentId: int64Ptr(1)})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1", DepartmentId: int64Ptr(1)})

	got, err := svc.Assign("s1", "staff-a")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != ticketEntity.SessionStatusAssigned {
		t.Errorf("status = %q, want assigned", got.Status)
	}
	if got.AssignedStaffUuid == nil || *got.AssignedStaffUuid != "staff-a" {
		t.Errorf("assigned staff = %v, want staff-a", got.AssignedStaffUuid)
	}
	if got.SlaDeadline == nil {
		t.Fatal("sla_deadline should be set")
	}
	want := time.Now().AddDate(0, 0, 3)
	if diff := got.SlaDeadline.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("sla_deadline = %v, want about %v", got.SlaDeadline, want)
	}
}

func TestAssign_DepartmentGuard(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-b", Username: "bek", DepartmentId: int64Ptr(2)})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "root", Username: "root", IsSuperuser: true})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1", DepartmentId: int64Ptr(1)})

	if _, err := svc.Assign("s1", "staff-b"); codeOf(t, err) != xerr.Forbidden {
		t.Errorf("cross-department assign should be forbidden, got %v", err)
	}

	// 超管不受部门限制
	if _, err := svc.Assign("s1", "root"); err != nil {
		t.Errorf("superuser assign: %v", err)
	}
}

func TestAssign_UnroutedSessionOpenToAnyStaff(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-b", Username: "bek", DepartmentId: int64Ptr(2)})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	if _, err := svc.Assign("s1", "staff-b"); err != nil {
		t.Errorf("assign on unrouted session: %v", err)
	}
}

func TestAssign_Conflicts(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz"})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-b", Username: "bek"})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	if _, err := svc.Assign("s1", "staff-a"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := svc.Assign("s1", "staff-a"); codeOf(t, err) != xerr.Conflict {
		t.Errorf("re-assign by same staff should conflict, got %v", err)
	}
	if _, err := svc.Assign("s1", "staff-b"); codeOf(t, err) != xerr.Conflict {
		t.Errorf("assign by second staff should conflict, got %v", err)
	}
}

func TestAssign_ClosedConflict(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz"})
	seedSession(t, db, &ticketEntity.Session{
		Uuid: "s1", CitizenUuid: "c1", Status: ticketEntity.SessionStatusClosed,
	})

	if _, err := svc.Assign("s1", "staff-a"); codeOf(t, err) != xerr.Conflict {
		t.Errorf("assign on closed ticket should conflict, got %v", err)
	}
}

func TestHold_OnceWithExactExtension(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz"})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	assigned, err := svc.Assign("s1", "staff-a")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	before := *assigned.SlaDeadline

	held, err := svc.Hold("s1", "staff-a")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	// 延期不改受理状态，只推后时限
	if held.Status != ticketEntity.SessionStatusAssigned {
		t.Errorf("status = %q, want assigned", held.Status)
	}
	if held.AssignedStaffUuid == nil || *held.AssignedStaffUuid != "staff-a" {
		t.Errorf("assigned staff = %v, want staff-a", held.AssignedStaffUuid)
	}
	if !held.IsHold {
		t.Error("is_hold should be set")
	}
	want := before.AddDate(0, 0, 2)
	if held.SlaDeadline == nil || !held.SlaDeadline.Equal(want) {
		t.Errorf("sla_deadline = %v, want %v", held.SlaDeadline, want)
	}

	if _, err := svc.Hold("s1", "staff-a"); codeOf(t, err) != xerr.Conflict {
		t.Errorf("second hold should conflict, got %v", err)
	}
}

func TestHold_Permissions(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz", DepartmentId: int64Ptr(1)})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "same-dept", Username: "bek", DepartmentId: int64Ptr(1)})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "other-dept", Username: "olim", DepartmentId: int64Ptr(2)})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1", DepartmentId: int64Ptr(1)})

	if _, err := svc.Assign("s1", "staff-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := svc.Hold("s1", "other-dept"); codeOf(t, err) != xerr.Forbidden {
		t.Errorf("hold by other department should be forbidden, got %v", err)
	}
	// 延期和上报同一套权限口径：同部门成员即可，不限受理人
	if _, err := svc.Hold("s1", "same-dept"); err != nil {
		t.Errorf("hold by department member: %v", err)
	}
}

func TestEscalate_Permissions(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "same-dept", Username: "d1", DepartmentId: int64Ptr(1)})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "other-dept", Username: "d2", DepartmentId: int64Ptr(2)})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1", DepartmentId: int64Ptr(1)})

	if _, err := svc.Escalate("s1", "other-dept"); codeOf(t, err) != xerr.Forbidden {
		t.Errorf("escalate by other department should be forbidden, got %v", err)
	}

	got, err := svc.Escalate("s1", "same-dept")
	if err != nil {
		t.Fatalf("escalate by department member: %v", err)
	}
	if got.Status != ticketEntity.SessionStatusEscalated {
		t.Errorf("status = %q, want escalated", got.Status)
	}
	if got.DepartmentId != nil || got.AssignedStaffUuid != nil || got.SlaDeadline != nil {
		t.Error("escalate should clear department, staff and deadline")
	}
}

func TestClose_CountsAndPersonalBest(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz"})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s2", CitizenUuid: "c2"})

	if _, err := svc.Assign("s1", "staff-a"); err != nil {
		t.Fatalf("assign s1: %v", err)
	}
	got, err := svc.Close("s1", "staff-a")
	if err != nil {
		t.Fatalf("close s1: %v", err)
	}
	if got.ClosedToday != 1 {
		t.Errorf("closed today = %d, want 1", got.ClosedToday)
	}
	if !got.NewPersonalBest {
		t.Error("first close should set a new personal best")
	}
	if got.Session.Status != ticketEntity.SessionStatusClosed {
		t.Errorf("status = %q, want closed", got.Session.Status)
	}

	if _, err := svc.Assign("s2", "staff-a"); err != nil {
		t.Fatalf("assign s2: %v", err)
	}
	got, err = svc.Close("s2", "staff-a")
	if err != nil {
		t.Fatalf("close s2: %v", err)
	}
	if got.ClosedToday != 2 {
		t.Errorf("closed today = %d, want 2", got.ClosedToday)
	}
}

func TestClose_Guards(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-a", Username: "aziz"})
	seedStaff(t, db, &ticketEntity.StaffProfile{Uuid: "staff-b", Username: "bek"})
	seedSession(t, db, &ticketEntity.Session{Uuid: "s1", CitizenUuid: "c1"})

	if _, err := svc.Close("s1", "staff-a"); codeOf(t, err) != xerr.Forbidden {
		t.Errorf("close unassigned should be forbidden, got %v", err)
	}

	if _, err := svc.Assign("s1", "staff-a"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := svc.Close("s1", "staff-b"); codeOf(t, err) != xerr.Forbidden {
		t.Errorf("close by non-assignee should be forbidden, got %v", err)
	}

	if _, err := svc.Close("s1", "staff-a"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Close("s1", "staff-a"); codeOf(t, err) != xerr.Conflict {
		t.Errorf("re-close should conflict, got %v", err)
	}
}

func TestSweepSlaBreaches_FlagsWithoutEscalating(t *testing.T) {
	db := openTestDB(t)
	svc := newActionService(t, db)
	past := time.Now().Add(-time.Hour)
	staff := "staff-a"
	seedSession(t, db, &ticketEntity.Session{
		Uuid: "s1", CitizenUuid: "c1",
		Status:            ticketEntity.SessionStatusAssigned,
		AssignedStaffUuid: &staff,
		DepartmentId:      int64Ptr(1),
		SlaDeadline:       &past,
	})
	future := time.Now().Add(time.Hour)
	seedSession(t, db, &ticketEntity.Session{
		Uuid: "s2", CitizenUuid: "c2",
		Status:      ticketEntity.SessionStatusAssigned,
		SlaDeadline: &future,
	})

	flagged, err := svc.SweepSlaBreaches(10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if flagged != 1 {
		t.Errorf("flagged = %d, want 1", flagged)
	}

	// 清扫只打标，受理状态、受理人和部门都不动
	var sess ticketEntity.Session
	db.Where("uuid = ?", "s1").First(&sess)
	if !sess.SlaBreached {
		t.Error("s1 sla_breached should be set")
	}
	if sess.Status != ticketEntity.SessionStatusAssigned {
		t.Errorf("s1 status = %q, want assigned", sess.Status)
	}
	if sess.AssignedStaffUuid == nil || *sess.AssignedStaffUuid != staff {
		t.Errorf("s1 assigned staff = %v, want %s", sess.AssignedStaffUuid, staff)
	}
	if sess.DepartmentId == nil || *sess.DepartmentId != 1 {
		t.Errorf("s1 department = %v, want 1", sess.DepartmentId)
	}

	var sess2 ticketEntity.Session
	db.Where("uuid = ?", "s2").First(&sess2)
	if sess2.SlaBreached {
		t.Error("s2 should not be flagged")
	}

	// 已打过标的不重复计数
	flagged, err = svc.SweepSlaBreaches(10)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if flagged != 0 {
		t.Errorf("second sweep flagged = %d, want 0", flagged)
	}
}
