package persistence

import (
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"

	"gorm.io/gorm"
)

type analysisRepositoryImpl struct {
	db *gorm.DB
}

func NewAnalysisRepository(db *gorm.DB) ticketRepository.AnalysisRepository {
	return &analysisRepositoryImpl{db: db}
}

func (r *analysisRepositoryImpl) CreateAnalysis(record *ticketEntity.AIAnalysis) error {
	return r.db.Create(record).Error
}

func (r *analysisRepositoryImpl) ListBySession(sessionUuid string) ([]ticketEntity.AIAnalysis, error) {
	var records []ticketEntity.AIAnalysis
	err := r.db.Where("session_uuid = ?", sessionUuid).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *analysisRepositoryImpl) MarkLatestCorrected(sessionUuid string, departmentId int64, byUuid string, notes string) (bool, error) {
	res := r.db.Model(&ticketEntity.AIAnalysis{}).
		// 派生表绕开 mysql 不允许 update 目标表出现在子查询里的限制
		Where("session_uuid = ? AND id = (SELECT id FROM (SELECT max(id) AS id FROM ai_analysis WHERE session_uuid = ?) t)",
			sessionUuid, sessionUuid).
		Updates(map[string]interface{}{
			"is_corrected":            true,
			"corrected_department_id": departmentId,
			"corrected_by_uuid":       byUuid,
			"correction_notes":        notes,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type injectionLogRepositoryImpl struct {
	db *gorm.DB
}

func NewInjectionLogRepository(db *gorm.DB) ticketRepository.InjectionLogRepository {
	return &injectionLogRepositoryImpl{db: db}
}

func (r *injectionLogRepositoryImpl) CreateInjectionLog(record *ticketEntity.InjectionLog) error {
	return r.db.Create(record).Error
}
