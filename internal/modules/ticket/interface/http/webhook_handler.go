package http

import (
	"crypto/subtle"
	"net"

	"CivicLink/internal/modules/ticket/application/dto/request"
	"CivicLink/internal/modules/ticket/application/service"
	"CivicLink/pkg/back"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookHandler 分类侧回调入口。鉴权走共享密钥头，
// 没带密钥时仅放行回环或白名单来源。
type WebhookHandler struct {
	routingSvc service.RoutingService
	secret     string
	allowedIPs map[string]struct{}
}

func NewWebhookHandler(routingSvc service.RoutingService, secret string, allowedIPs []string) *WebhookHandler {
	allowed := make(map[string]struct{}, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[ip] = struct{}{}
	}
	return &WebhookHandler{
		routingSvc: routingSvc,
		secret:     secret,
		allowedIPs: allowed,
	}
}

// Auth webhook 鉴权中间件
func (h *WebhookHandler) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Webhook-Secret")
		if h.secret != "" && got != "" &&
			subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if _, ok := h.allowedIPs[clientIP]; ok {
			c.Next()
			return
		}
		if ip := net.ParseIP(clientIP); ip != nil && ip.IsLoopback() {
			c.Next()
			return
		}

		zlog.Warn("webhook auth rejected", zap.String("client_ip", clientIP))
		back.Error(c, xerr.Forbidden, "webhook authentication failed")
		c.Abort()
	}
}

func (h *WebhookHandler) RoutingResult(c *gin.Context) {
	var req request.RoutingResultRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	err := h.routingSvc.RoutingResult(&req, c.GetHeader("X-Idempotency-Key"))
	back.Result(c, nil, err)
}

func (h *WebhookHandler) Route(c *gin.Context) {
	var req request.RouteRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	routed, err := h.routingSvc.ApplyRoute(&req, c.GetHeader("X-Idempotency-Key"))
	back.Result(c, routed, err)
}

func (h *WebhookHandler) InjectionAlert(c *gin.Context) {
	var req request.InjectionAlertRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	err := h.routingSvc.InjectionAlert(&req, c.GetHeader("X-Idempotency-Key"))
	back.Result(c, nil, err)
}
