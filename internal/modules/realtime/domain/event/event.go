package event

import (
	"fmt"
	"time"
)

// Kind 实时事件类型。封闭枚举，新增事件必须在这里登记，
// 序列化名称由 String 统一给出，不允许散落的裸字符串。
type Kind int

const (
	KindSessionCreated Kind = iota + 1
	KindSessionAssigned
	KindSessionHold
	KindSessionClosed
	KindSessionEscalated
	KindMessageCreated
	KindStaffNotification
)

func (k Kind) String() string {
	switch k {
	case KindSessionCreated:
		return "session.created"
	case KindSessionAssigned:
		return "session.assigned"
	case KindSessionHold:
		return "session.hold"
	case KindSessionClosed:
		return "session.closed"
	case KindSessionEscalated:
		return "session.escalated"
	case KindMessageCreated:
		return "message.created"
	case KindStaffNotification:
		return "staff.notification"
	default:
		return "unknown"
	}
}

// Valid 事件类型是否已登记
func (k Kind) Valid() bool {
	return k >= KindSessionCreated && k <= KindStaffNotification
}

// 固定组名
const (
	GroupSuperuser = "superuser"
	GroupVip       = "vip"
)

func ChatGroup(sessionUuid string) string {
	return "chat_" + sessionUuid
}

func DepartmentGroup(departmentId int64) string {
	return fmt.Sprintf("department_%d", departmentId)
}

func StaffGroup(staffUuid string) string {
	return "staff_" + staffUuid
}

// Envelope 推送到客户端的统一信封
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SessionPayload 工单状态事件载荷
type SessionPayload struct {
	SessionUuid  string     `json:"session_uuid"`
	Status       string     `json:"status"`
	DepartmentId *int64     `json:"department_id,omitempty"`
	StaffUuid    string     `json:"staff_uuid,omitempty"`
	SlaDeadline  *time.Time `json:"sla_deadline,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// MessagePayload 聊天消息事件载荷
type MessagePayload struct {
	SessionUuid string    `json:"session_uuid"`
	MessageUuid string    `json:"message_uuid"`
	SenderUuid  string    `json:"sender_uuid"`
	SenderRole  string    `json:"sender_role"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}
