package http

import (
	"errors"
	"strconv"

	"CivicLink/internal/modules/ticket/application/dto/request"
	"CivicLink/internal/modules/ticket/application/service"
	"CivicLink/internal/modules/ticket/domain/entity"
	"CivicLink/internal/modules/ticket/domain/repository"
	"CivicLink/pkg/back"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MessageHandler 工单内聊天。发送方角色按是否有员工档案判定
type MessageHandler struct {
	messageSvc service.MessageService
	staffRepo  repository.StaffRepository
}

func NewMessageHandler(messageSvc service.MessageService, staffRepo repository.StaffRepository) *MessageHandler {
	return &MessageHandler{messageSvc: messageSvc, staffRepo: staffRepo}
}

func (h *MessageHandler) senderRole(senderUuid string) (string, error) {
	_, err := h.staffRepo.GetByUuid(senderUuid)
	if err == nil {
		return entity.SenderRoleStaff, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entity.SenderRoleCitizen, nil
	}
	return "", err
}

func (h *MessageHandler) Send(c *gin.Context) {
	var req request.SendMessageRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	sessionUuid := c.Param("session_uuid")
	senderUuid := c.GetString("uuid")

	role, err := h.senderRole(senderUuid)
	if err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.InternalServerError, xerr.ErrServerError.Message)
		return
	}

	data, err := h.messageSvc.Send(sessionUuid, senderUuid, role, &req)
	back.Result(c, data, err)
}

func (h *MessageHandler) History(c *gin.Context) {
	sessionUuid := c.Param("session_uuid")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	data, err := h.messageSvc.History(sessionUuid, limit)
	back.Result(c, data, err)
}
