package entity

import (
	"time"
)

// 工单状态。延期不是独立状态，只改 is_hold 和 sla_deadline
const (
	SessionStatusOpen      = "open"
	SessionStatusAssigned  = "assigned"
	SessionStatusEscalated = "escalated"
	SessionStatusClosed    = "closed"
)

// Session 市民诉求工单表
type Session struct {
	Id                int64      `gorm:"column:id;primaryKey;comment:自增id"`
	Uuid              string     `gorm:"column:uuid;uniqueIndex;type:char(36);not null;comment:工单uuid"`
	CitizenUuid       string     `gorm:"column:citizen_uuid;index;type:char(36);not null;comment:市民uuid"`
	Title             string     `gorm:"column:title;type:varchar(255);comment:工单标题"`
	Description       string     `gorm:"column:description;type:text;comment:诉求描述"`
	Language          string     `gorm:"column:language;type:char(2);not null;default:uz;comment:诉求语言 uz/ru"`
	Status            string     `gorm:"column:status;index;type:varchar(20);not null;default:open;comment:工单状态"`
	DepartmentId      *int64     `gorm:"column:department_id;index;comment:路由到的部门id"`
	AssignedStaffUuid *string    `gorm:"column:assigned_staff_uuid;index;type:char(36);comment:受理工作人员uuid"`
	IsHold            bool       `gorm:"column:is_hold;not null;default:false;comment:是否已用过一次延期"`
	SlaDeadline       *time.Time `gorm:"column:sla_deadline;comment:服务时限"`
	SlaBreached       bool       `gorm:"column:sla_breached;not null;default:false;comment:是否已超出服务时限"`
	IntentLabel       string     `gorm:"column:intent_label;type:varchar(100);comment:分类得到的意图标签"`
	ClosedAt          *time.Time `gorm:"column:closed_at;comment:关闭时间"`
	TelegramChatId    *int64     `gorm:"column:telegram_chat_id;comment:来源 telegram 会话id"`
	LastMessaged      *time.Time `gorm:"column:last_messaged;comment:最近一条消息时间"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null;comment:创建时间"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null;comment:更新时间"`
}

func (Session) TableName() string {
	return "session"
}

// IsTerminal 工单是否已终结
func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusClosed
}
