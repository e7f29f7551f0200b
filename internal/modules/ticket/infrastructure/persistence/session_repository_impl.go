package persistence

import (
	"time"

	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sessionRepositoryImpl struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) ticketRepository.SessionRepository {
	return &sessionRepositoryImpl{db: db}
}

func (r *sessionRepositoryImpl) GetByUuid(uuid string) (*ticketEntity.Session, error) {
	var sess ticketEntity.Session
	if err := r.db.Where("uuid = ?", uuid).First(&sess).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *sessionRepositoryImpl) Create(session *ticketEntity.Session) error {
	return r.db.Create(session).Error
}

func (r *sessionRepositoryImpl) UpdateDescription(sessionUuid string, description string) error {
	return r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ?", sessionUuid).
		Update("description", description).Error
}

func (r *sessionRepositoryImpl) UpdateLanguage(sessionUuid string, language string) error {
	return r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ?", sessionUuid).
		Update("language", language).Error
}

func (r *sessionRepositoryImpl) TouchLastMessaged(sessionUuid string, at time.Time) error {
	return r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ?", sessionUuid).
		Update("last_messaged", at).Error
}

func (r *sessionRepositoryImpl) UpdateIntentLabel(sessionUuid string, intentLabel string) error {
	return r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ?", sessionUuid).
		Update("intent_label", intentLabel).Error
}

// AssignStaff 条件更新抢占受理权。COALESCE 保证已有时限不被覆盖。
func (r *sessionRepositoryImpl) AssignStaff(sessionUuid string, staffUuid string, deadline time.Time) (bool, error) {
	res := r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ? AND assigned_staff_uuid IS NULL AND status <> ?", sessionUuid, ticketEntity.SessionStatusClosed).
		Updates(map[string]interface{}{
			"assigned_staff_uuid": staffUuid,
			"status":              ticketEntity.SessionStatusAssigned,
			"sla_deadline":        gorm.Expr("COALESCE(sla_deadline, ?)", deadline),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// HoldOnce 延期只是推后时限，工单状态保持不变
func (r *sessionRepositoryImpl) HoldOnce(sessionUuid string, newDeadline time.Time) (bool, error) {
	res := r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ? AND is_hold = ? AND sla_deadline IS NOT NULL AND status <> ?",
			sessionUuid, false, ticketEntity.SessionStatusClosed).
		Updates(map[string]interface{}{
			"is_hold":      true,
			"sla_deadline": newDeadline,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepositoryImpl) Escalate(sessionUuid string) (bool, error) {
	res := r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ? AND status <> ?", sessionUuid, ticketEntity.SessionStatusClosed).
		Updates(map[string]interface{}{
			"status":              ticketEntity.SessionStatusEscalated,
			"assigned_staff_uuid": nil,
			"department_id":       nil,
			"sla_deadline":        nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CloseAndCount 关闭、当日计数和个人纪录在同一事务里提交，
// 关闭成功则计数必然落库，不会出现关了单却丢绩效的情况。
func (r *sessionRepositoryImpl) CloseAndCount(sessionUuid string, staffUuid string, closedAt time.Time) (bool, int, bool, error) {
	won := false
	closedToday := 0
	newBest := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ticketEntity.Session{}).
			Where("uuid = ? AND assigned_staff_uuid = ? AND status <> ?",
				sessionUuid, staffUuid, ticketEntity.SessionStatusClosed).
			Updates(map[string]interface{}{
				"status":    ticketEntity.SessionStatusClosed,
				"closed_at": closedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			// 并发下输给了别人，不是错误，也不计数
			return nil
		}
		won = true

		now := time.Now()
		day := closedAt.Format("2006-01-02")
		row := ticketEntity.StaffDailyPerformance{
			StaffUuid:   staffUuid,
			Day:         day,
			ClosedCount: 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "staff_uuid"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"closed_count": gorm.Expr("closed_count + 1"),
				"updated_at":   now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var saved ticketEntity.StaffDailyPerformance
		if err := tx.Where("staff_uuid = ? AND day = ?", staffUuid, day).First(&saved).Error; err != nil {
			return err
		}
		closedToday = saved.ClosedCount

		// 纪录只涨不跌，WHERE 守卫挡掉并发回写
		best := tx.Model(&ticketEntity.StaffProfile{}).
			Where("uuid = ? AND personal_best_record < ?", staffUuid, closedToday).
			Update("personal_best_record", closedToday)
		if best.Error != nil {
			return best.Error
		}
		newBest = best.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, 0, false, err
	}
	return won, closedToday, newBest, nil
}

// ApplyDepartment 改派后工单回到待受理队列，原受理人出局
func (r *sessionRepositoryImpl) ApplyDepartment(sessionUuid string, departmentId int64) (bool, error) {
	res := r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ? AND status <> ?", sessionUuid, ticketEntity.SessionStatusClosed).
		Updates(map[string]interface{}{
			"department_id":       departmentId,
			"status":              ticketEntity.SessionStatusOpen,
			"assigned_staff_uuid": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepositoryImpl) MarkSlaBreached(sessionUuid string) (bool, error) {
	res := r.db.Model(&ticketEntity.Session{}).
		Where("uuid = ? AND sla_breached = ? AND status <> ?",
			sessionUuid, false, ticketEntity.SessionStatusClosed).
		Update("sla_breached", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepositoryImpl) ListSlaBreached(now time.Time, limit int) ([]ticketEntity.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var sessions []ticketEntity.Session
	err := r.db.
		Where("sla_deadline IS NOT NULL AND sla_deadline < ? AND sla_breached = ? AND status NOT IN ?",
			now, false, []string{ticketEntity.SessionStatusClosed, ticketEntity.SessionStatusEscalated}).
		Order("sla_deadline ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
