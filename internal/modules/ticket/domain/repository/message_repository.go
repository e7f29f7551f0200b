package repository

import (
	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	"CivicLink/internal/modules/ticket/domain/entity"
)

// MessageWithText 消息及其正文的读视图
type MessageWithText struct {
	Message entity.Message
	Text    string
}

type MessageRepository interface {
	GetByUuid(uuid string) (*entity.Message, error)

	// GetByClientMessageId 按客户端消息id查重
	GetByClientMessageId(sessionUuid string, clientMessageId string) (*entity.Message, error)

	// CreateWithContent 同一事务写入消息、内容项和分类 outbox 事件。
	// 一条消息可以有多条内容项（相册），event 为 nil 时只落消息。
	CreateWithContent(msg *entity.Message, contents []*entity.MessageContent, event *aiEntity.ClassifyEvent) error

	// ListBySession 按时间升序拉取工单内消息
	ListBySession(sessionUuid string, limit int) ([]MessageWithText, error)
}
