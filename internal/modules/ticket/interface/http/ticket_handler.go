package http

import (
	"CivicLink/internal/modules/ticket/application/dto/request"
	"CivicLink/internal/modules/ticket/application/service"
	"CivicLink/pkg/back"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"github.com/gin-gonic/gin"
)

// TicketHandler 工单生命周期操作入口，操作者取自 JWT
type TicketHandler struct {
	actionSvc  service.ActionService
	messageSvc service.MessageService
}

func NewTicketHandler(actionSvc service.ActionService, messageSvc service.MessageService) *TicketHandler {
	return &TicketHandler{actionSvc: actionSvc, messageSvc: messageSvc}
}

func (h *TicketHandler) Assign(c *gin.Context) {
	sessionUuid := c.Param("session_uuid")
	staffUuid := c.GetString("uuid")

	data, err := h.actionSvc.Assign(sessionUuid, staffUuid)
	back.Result(c, data, err)
}

func (h *TicketHandler) Hold(c *gin.Context) {
	sessionUuid := c.Param("session_uuid")
	staffUuid := c.GetString("uuid")

	data, err := h.actionSvc.Hold(sessionUuid, staffUuid)
	back.Result(c, data, err)
}

func (h *TicketHandler) Escalate(c *gin.Context) {
	sessionUuid := c.Param("session_uuid")
	staffUuid := c.GetString("uuid")

	data, err := h.actionSvc.Escalate(sessionUuid, staffUuid)
	back.Result(c, data, err)
}

func (h *TicketHandler) Close(c *gin.Context) {
	sessionUuid := c.Param("session_uuid")
	staffUuid := c.GetString("uuid")

	data, err := h.actionSvc.Close(sessionUuid, staffUuid)
	back.Result(c, data, err)
}

func (h *TicketHandler) UpdateDescription(c *gin.Context) {
	var req request.UpdateDescriptionRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	sessionUuid := c.Param("session_uuid")
	staffUuid := c.GetString("uuid")

	err := h.messageSvc.UpdateDescription(sessionUuid, staffUuid, req.Description)
	back.Result(c, nil, err)
}
