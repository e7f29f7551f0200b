package persistence

import (
	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"

	"gorm.io/gorm"
)

type messageRepositoryImpl struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) ticketRepository.MessageRepository {
	return &messageRepositoryImpl{db: db}
}

func (r *messageRepositoryImpl) GetByUuid(uuid string) (*ticketEntity.Message, error) {
	var msg ticketEntity.Message
	if err := r.db.Where("uuid = ?", uuid).First(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepositoryImpl) GetByClientMessageId(sessionUuid string, clientMessageId string) (*ticketEntity.Message, error) {
	if clientMessageId == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var msg ticketEntity.Message
	err := r.db.Where("session_uuid = ? AND client_message_id = ?", sessionUuid, clientMessageId).
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateWithContent 消息、内容项、outbox 事件在同一事务里落库，
// 事务提交即代表分类任务已持久化，中继器随后投递。
func (r *messageRepositoryImpl) CreateWithContent(msg *ticketEntity.Message, contents []*ticketEntity.MessageContent, event *aiEntity.ClassifyEvent) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		for _, content := range contents {
			content.MessageUuid = msg.Uuid
			if err := tx.Create(content).Error; err != nil {
				return err
			}
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *messageRepositoryImpl) ListBySession(sessionUuid string, limit int) ([]ticketRepository.MessageWithText, error) {
	if limit <= 0 {
		limit = 200
	}
	var messages []ticketEntity.Message
	err := r.db.Where("session_uuid = ?", sessionUuid).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	uuids := make([]string, 0, len(messages))
	for _, m := range messages {
		uuids = append(uuids, m.Uuid)
	}
	var contents []ticketEntity.MessageContent
	if err := r.db.Where("message_uuid IN ?", uuids).Order("id ASC").Find(&contents).Error; err != nil {
		return nil, err
	}
	// 多内容项消息取第一条带文字的，图片项回退到说明
	textByUuid := make(map[string]string, len(contents))
	for _, c := range contents {
		if _, ok := textByUuid[c.MessageUuid]; ok {
			continue
		}
		if c.Text != "" {
			textByUuid[c.MessageUuid] = c.Text
		} else if c.Caption != "" {
			textByUuid[c.MessageUuid] = c.Caption
		}
	}

	out := make([]ticketRepository.MessageWithText, 0, len(messages))
	for _, m := range messages {
		out = append(out, ticketRepository.MessageWithText{
			Message: m,
			Text:    textByUuid[m.Uuid],
		})
	}
	return out, nil
}
