package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scrapydo/scrapyd-go/internal/orchestrator"
)

// StatusAPI is the daemon-status slice of the Control API (SPEC_FULL.md
// §4 supplement: a read-only snapshot mirroring the original's
// DAEMON_INFO payload).
type StatusAPI interface {
	Snapshot() orchestrator.Status
}

// StatusHandler exposes GET /status.
type StatusHandler struct {
	api StatusAPI
}

func NewStatusHandler(api StatusAPI) *StatusHandler {
	return &StatusHandler{api: api}
}

func (h *StatusHandler) Get(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.api.Snapshot())
}
