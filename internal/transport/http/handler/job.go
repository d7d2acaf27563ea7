package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scrapydo/scrapyd-go/internal/domain"
)

// JobAPI is the job slice of the Control API (spec.md §4.G) the HTTP
// transport drives.
type JobAPI interface {
	ScheduleJob(ctx context.Context, project, spider, when string, actor domain.Actor) (string, error)
	CancelJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetJobs(ctx context.Context, status domain.Status) ([]*domain.Job, error)
	GetActiveJobs(ctx context.Context) ([]*domain.Job, error)
	GetCompletedJobs(ctx context.Context) ([]*domain.Job, error)
	GetJobLogs(id string) (out, errPath *string)
}

// JobHandler exposes the job slice of the Control API over HTTP.
type JobHandler struct {
	api    JobAPI
	logger *slog.Logger
}

func NewJobHandler(api JobAPI, logger *slog.Logger) *JobHandler {
	return &JobHandler{api: api, logger: logger.With("component", "job_handler")}
}

type scheduleJobRequest struct {
	Project string `json:"project" binding:"required"`
	Spider  string `json:"spider" binding:"required"`
	When    string `json:"when" binding:"required"`
}

// Schedule handles POST /jobs. When is either "now" or a recurrence DSL
// expression (spec.md §4.B/§4.G).
func (h *JobHandler) Schedule(ctx *gin.Context) {
	var req scheduleJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.api.ScheduleJob(ctx.Request.Context(), req.Project, req.Spider, req.When, domain.ActorUser)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrProjectNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errProjectNotFound})
		case errors.Is(err, domain.ErrSpiderNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errSpiderNotFound})
		case errors.Is(err, domain.ErrInvalidSchedule):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidSchedule})
		default:
			h.logger.Error("schedule job", "project", req.Project, "spider", req.Spider, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{"id": id})
}

// Cancel handles POST /jobs/:id/cancel.
func (h *JobHandler) Cancel(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.api.CancelJob(ctx.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		case errors.Is(err, domain.ErrInvalidState):
			ctx.JSON(http.StatusConflict, gin.H{"error": errInvalidState})
		default:
			h.logger.Error("cancel job", "job_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

// GetByID handles GET /jobs/:id.
func (h *JobHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	job, err := h.api.GetJob(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get job", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, job)
}

// List handles GET /jobs?status=. An empty status returns every active
// job; status=completed returns terminal jobs; any other value is
// parsed as a domain.Status (spec.md §4.G get_jobs(status)).
func (h *JobHandler) List(ctx *gin.Context) {
	status := ctx.Query("status")

	var (
		jobs []*domain.Job
		err  error
	)
	switch status {
	case "":
		jobs, err = h.api.GetActiveJobs(ctx.Request.Context())
	case "completed":
		jobs, err = h.api.GetCompletedJobs(ctx.Request.Context())
	default:
		var st domain.Status
		st, err = domain.ParseStatus(status)
		if err == nil {
			jobs, err = h.api.GetJobs(ctx.Request.Context(), st)
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStatus) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("list jobs", "status", status, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// Logs handles GET /jobs/:id/logs: the paths to the stdout/stderr files
// captured from the crawler subprocess, or null for a stream that
// produced no output and was never created (spec.md §4.F/§4.G).
func (h *JobHandler) Logs(ctx *gin.Context) {
	id := ctx.Param("id")
	out, errPath := h.api.GetJobLogs(id)
	ctx.JSON(http.StatusOK, gin.H{"out": out, "err": errPath})
}
