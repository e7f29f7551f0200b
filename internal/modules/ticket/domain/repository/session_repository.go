package repository

import (
	"CivicLink/internal/modules/ticket/domain/entity"
	"time"
)

// SessionRepository 工单仓储。所有状态迁移都是条件更新，
// 靠 WHERE 守卫 + 影响行数判定胜者，并发下恰好一个调用成功。
type SessionRepository interface {
	GetByUuid(uuid string) (*entity.Session, error)
	Create(session *entity.Session) error
	UpdateDescription(sessionUuid string, description string) error
	UpdateLanguage(sessionUuid string, language string) error
	TouchLastMessaged(sessionUuid string, at time.Time) error

	// UpdateIntentLabel 回写分类意图标签。
	UpdateIntentLabel(sessionUuid string, intentLabel string) error

	// AssignStaff 受理工单。仅当未受理且未关闭时成功；
	// sla_deadline 只在为空时写入，不覆盖已有时限。
	AssignStaff(sessionUuid string, staffUuid string, deadline time.Time) (bool, error)

	// HoldOnce 延期一次，只动 is_hold 和 sla_deadline，不改状态。
	// is_hold 守卫保证延期只能用一次。
	HoldOnce(sessionUuid string, newDeadline time.Time) (bool, error)

	// Escalate 上报工单，清空受理人、部门和时限。
	Escalate(sessionUuid string) (bool, error)

	// CloseAndCount 关闭工单并在同一事务里累加当日绩效、抬高个人纪录。
	// 仅当前受理人能关闭；没抢到关闭权时 won 为 false，计数不动。
	CloseAndCount(sessionUuid string, staffUuid string, closedAt time.Time) (won bool, closedToday int, newBest bool, err error)

	// ApplyDepartment 改派到新部门，强制回到未受理状态。
	ApplyDepartment(sessionUuid string, departmentId int64) (bool, error)

	// MarkSlaBreached 给超时工单打标，已打标或已关闭的行不再命中。
	MarkSlaBreached(sessionUuid string) (bool, error)

	// ListSlaBreached 列出超过服务时限、未关闭且还没打标的工单。
	ListSlaBreached(now time.Time, limit int) ([]entity.Session, error)
}
