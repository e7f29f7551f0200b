package respond

import "time"

// SessionRespond 工单视图
type SessionRespond struct {
	Uuid              string     `json:"uuid"`
	Status            string     `json:"status"`
	Title             string     `json:"title,omitempty"`
	Description       string     `json:"description,omitempty"`
	Language          string     `json:"language"`
	IntentLabel       string     `json:"intent_label,omitempty"`
	DepartmentId      *int64     `json:"department_id"`
	AssignedStaffUuid *string    `json:"assigned_staff_uuid"`
	IsHold            bool       `json:"is_hold"`
	SlaDeadline       *time.Time `json:"sla_deadline"`
	SlaBreached       bool       `json:"sla_breached"`
	ClosedAt          *time.Time `json:"closed_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// RouteRespond 路由执行结果
type RouteRespond struct {
	DepartmentId   int64  `json:"department_id"`
	DepartmentName string `json:"department_name"`
}

// CloseRespond 结单结果，附带当日绩效
type CloseRespond struct {
	Session         SessionRespond `json:"session"`
	ClosedToday     int            `json:"closed_today"`
	NewPersonalBest bool           `json:"new_personal_best"`
}

// MessageItem 消息视图
type MessageItem struct {
	Uuid       string    `json:"uuid"`
	SenderUuid string    `json:"sender_uuid"`
	SenderRole string    `json:"sender_role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryRespond 拉取历史消息，顺带回传工单最新状态，
// sla_breached 在读取时实时计算。
type HistoryRespond struct {
	Session     SessionRespond `json:"session"`
	SlaBreached bool           `json:"sla_breached"`
	Messages    []MessageItem  `json:"messages"`
}

// SendMessageRespond 发消息结果。命中客户端消息id去重时
// Duplicate 为 true，返回的是已存在的那条消息。
type SendMessageRespond struct {
	Message   MessageItem `json:"message"`
	Duplicate bool        `json:"duplicate"`
	Notice    string      `json:"notice,omitempty"`
}
