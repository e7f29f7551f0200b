package service

import (
	"context"
	"time"

	"CivicLink/internal/modules/notify/infrastructure/telegram"
	"CivicLink/pkg/zlog"

	"go.uber.org/zap"
)

// NotifyService 出站通知。通知是锦上添花，任何失败只记日志，
// 绝不影响工单主流程。
type NotifyService interface {
	// SessionAssigned 工单受理后通知市民
	SessionAssigned(chatID *int64, sessionUuid string)

	// SessionEscalated 工单上报后通知市民
	SessionEscalated(chatID *int64, sessionUuid string)

	// SessionClosed 工单关闭后给市民恢复主菜单键盘
	SessionClosed(chatID *int64, sessionUuid string)

	// StaffReply 把工作人员的回复转发到来源 telegram 会话
	StaffReply(chatID *int64, sessionUuid string, text string)
}

type notifyServiceImpl struct {
	tg      *telegram.Client
	enabled bool
}

func NewNotifyService(tg *telegram.Client, enabled bool) NotifyService {
	return &notifyServiceImpl{tg: tg, enabled: enabled}
}

// mainMenuKeyboard 市民端主菜单，工单流程结束后恢复
var mainMenuKeyboard = telegram.ReplyKeyboard{
	Keyboard: [][]telegram.KeyboardButton{
		{{Text: "Yangi murojaat yuborish"}},
		{{Text: "Murojaatlarim"}},
	},
	ResizeKeyboard: true,
}

func (s *notifyServiceImpl) send(chatID *int64, sessionUuid string, text string, replyMarkup interface{}) {
	if !s.enabled || s.tg == nil || chatID == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.tg.SendMessage(ctx, *chatID, text, replyMarkup); err != nil {
		zlog.Warn("telegram notice failed",
			zap.String("session_uuid", sessionUuid),
			zap.Int64("chat_id", *chatID),
			zap.Error(err),
		)
	}
}

func (s *notifyServiceImpl) SessionAssigned(chatID *int64, sessionUuid string) {
	s.send(chatID, sessionUuid,
		"Murojaatingiz mas'ul xodimga biriktirildi. Tez orada javob olasiz.", nil)
}

func (s *notifyServiceImpl) SessionEscalated(chatID *int64, sessionUuid string) {
	s.send(chatID, sessionUuid,
		"Murojaatingiz yuqori instansiyaga yuborildi.", nil)
}

func (s *notifyServiceImpl) StaffReply(chatID *int64, sessionUuid string, text string) {
	if text == "" {
		return
	}
	s.send(chatID, sessionUuid, text, nil)
}

func (s *notifyServiceImpl) SessionClosed(chatID *int64, sessionUuid string) {
	s.send(chatID, sessionUuid,
		"Murojaatingiz ko'rib chiqildi va yakunlandi. Rahmat!",
		mainMenuKeyboard,
	)
}
