package http

import (
	"net/http"

	aiRequest "CivicLink/internal/modules/ai/application/dto/request"
	"CivicLink/internal/modules/ai/application/service"
	"CivicLink/pkg/back"
	"CivicLink/pkg/xerr"
	"CivicLink/pkg/zlog"

	"github.com/gin-gonic/gin"
)

type ClassifyHandler struct {
	svc service.ClassifyService
}

func NewClassifyHandler(svc service.ClassifyService) *ClassifyHandler {
	return &ClassifyHandler{svc: svc}
}

// Classify 受理分类任务，异步执行，返回 202
func (h *ClassifyHandler) Classify(c *gin.Context) {
	var req aiRequest.ClassifyRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	data, err := h.svc.EnqueueClassify(req)
	if err != nil {
		back.Result(c, nil, err)
		return
	}
	c.JSON(http.StatusAccepted, back.Response{
		Code:    http.StatusAccepted,
		Message: "accepted",
		Data:    data,
	})
}

func (h *ClassifyHandler) TrainCorrection(c *gin.Context) {
	var req aiRequest.TrainCorrectionRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	data, err := h.svc.TrainCorrection(c.Request.Context(), req)
	back.Result(c, data, err)
}
