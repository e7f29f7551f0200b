package entity

import (
	"time"
)

// 消息发送方角色
const (
	SenderRoleCitizen = "citizen"
	SenderRoleStaff   = "staff"
	SenderRoleSystem  = "system"
)

// Message 工单内消息表。正文单独放在 message_content，
// 列表查询只扫本表，避免大字段拖慢索引。
// client_message_id 为空时不参与去重，多条 NULL 不冲突。
type Message struct {
	Id              int64     `gorm:"column:id;primaryKey;comment:自增id"`
	Uuid            string    `gorm:"column:uuid;uniqueIndex;type:char(36);not null;comment:消息uuid"`
	SessionUuid     string    `gorm:"column:session_uuid;index;type:char(36);not null;uniqueIndex:uk_session_client_msg,priority:1;comment:工单uuid"`
	SenderUuid      string    `gorm:"column:sender_uuid;index;type:char(36);not null;comment:发送者uuid"`
	SenderRole      string    `gorm:"column:sender_role;type:varchar(10);not null;comment:发送者角色 citizen/staff/system"`
	ClientMessageId *string   `gorm:"column:client_message_id;type:varchar(64);uniqueIndex:uk_session_client_msg,priority:2;comment:客户端消息id，幂等去重用"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;comment:创建时间"`
}

func (Message) TableName() string {
	return "message"
}

// MessageContent 消息内容表。一条消息可以带多条内容，
// 比如 telegram 相册是一段文字加多张图片。
type MessageContent struct {
	Id             int64     `gorm:"column:id;primaryKey;comment:自增id"`
	MessageUuid    string    `gorm:"column:message_uuid;index;type:char(36);not null;comment:消息uuid"`
	ContentType    string    `gorm:"column:content_type;type:varchar(20);not null;default:text;comment:内容类型 text/photo/document/voice"`
	Text           string    `gorm:"column:text;type:text;comment:消息正文"`
	Caption        string    `gorm:"column:caption;type:text;comment:媒体附带说明"`
	FileUrl        string    `gorm:"column:file_url;type:varchar(512);comment:媒体文件地址"`
	TelegramFileId string    `gorm:"column:telegram_file_id;type:varchar(128);comment:telegram 文件id"`
	MediaGroupId   string    `gorm:"column:media_group_id;type:varchar(64);comment:telegram 相册分组id"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;comment:创建时间"`
}

func (MessageContent) TableName() string {
	return "message_content"
}
