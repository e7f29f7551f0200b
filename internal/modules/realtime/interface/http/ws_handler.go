package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"CivicLink/internal/modules/realtime/domain/event"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"
	"CivicLink/pkg/ws"
	"CivicLink/pkg/zlog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler 实时推送入口。连接建立后按人员档案自动入组：
// staff_{uuid} 必入，部门成员入 department_{id}，
// 超管入 superuser，重点席位入 vip。
// 工单详情页的 chat_{uuid} 组由客户端 subscribe 动作按需加入。
type WSHandler struct {
	hub       *ws.Hub
	staffRepo ticketRepository.StaffRepository
}

func NewWSHandler(hub *ws.Hub, staffRepo ticketRepository.StaffRepository) *WSHandler {
	return &WSHandler{hub: hub, staffRepo: staffRepo}
}

type clientCommand struct {
	Action string `json:"action"`
	Group  string `json:"group"`
}

func (h *WSHandler) Serve(c *gin.Context) {
	uuid := c.GetString("uuid")
	if uuid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "message": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zlog.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(uuid, conn)
	h.hub.Join(event.StaffGroup(uuid), client)

	if staff, err := h.staffRepo.GetByUuid(uuid); err == nil {
		if staff.DepartmentId != nil {
			h.hub.Join(event.DepartmentGroup(*staff.DepartmentId), client)
		}
		if staff.IsSuperuser {
			h.hub.Join(event.GroupSuperuser, client)
		}
		if staff.IsVip {
			h.hub.Join(event.GroupVip, client)
		}
	}

	go client.WritePump()

	defer h.hub.Unregister(client)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		// 只允许订阅聊天组，人员/部门组由服务端控制
		if !strings.HasPrefix(cmd.Group, "chat_") {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			h.hub.Join(cmd.Group, client)
		case "unsubscribe":
			h.hub.Leave(cmd.Group, client)
		}
	}
}
