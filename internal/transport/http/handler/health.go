package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scrapydo/scrapyd-go/internal/health"
)

// HealthAPI is the subset of health.Checker the HTTP transport drives.
type HealthAPI interface {
	Liveness(ctx context.Context) health.HealthResult
	Readiness(ctx context.Context) health.HealthResult
}

// HealthHandler exposes GET /healthz and GET /readyz.
type HealthHandler struct {
	api HealthAPI
}

func NewHealthHandler(api HealthAPI) *HealthHandler {
	return &HealthHandler{api: api}
}

func (h *HealthHandler) Liveness(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.api.Liveness(ctx.Request.Context()))
}

func (h *HealthHandler) Readiness(ctx *gin.Context) {
	result := h.api.Readiness(ctx.Request.Context())
	status := http.StatusOK
	if result.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, result)
}
