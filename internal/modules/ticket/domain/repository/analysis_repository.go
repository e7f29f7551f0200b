package repository

import (
	"CivicLink/internal/modules/ticket/domain/entity"
)

type AnalysisRepository interface {
	CreateAnalysis(record *entity.AIAnalysis) error
	ListBySession(sessionUuid string) ([]entity.AIAnalysis, error)

	// MarkLatestCorrected 把该工单最近一条分类记录标记为已纠偏
	MarkLatestCorrected(sessionUuid string, departmentId int64, byUuid string, notes string) (bool, error)
}

type InjectionLogRepository interface {
	CreateInjectionLog(record *entity.InjectionLog) error
}
