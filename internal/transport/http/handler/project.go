package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scrapydo/scrapyd-go/internal/domain"
)

// ProjectAPI is the project-management slice of the Control API
// (spec.md §4.C/§4.G) that the HTTP transport drives. Defined at point
// of use so handlers can be tested against a hand-written fake.
type ProjectAPI interface {
	PushProject(ctx context.Context, archive []byte) (*domain.Project, error)
	RemoveProject(ctx context.Context, name string) error
	GetProjects() []string
	GetSpiders(project string) ([]string, error)
}

// ProjectHandler exposes the project slice of the Control API over HTTP.
type ProjectHandler struct {
	api    ProjectAPI
	logger *slog.Logger
}

func NewProjectHandler(api ProjectAPI, logger *slog.Logger) *ProjectHandler {
	return &ProjectHandler{api: api, logger: logger.With("component", "project_handler")}
}

// maxArchiveBytes bounds the request body read for a pushed project
// archive; scrapyd-compatible bundles are small zip files, not the
// multi-gigabyte uploads a generic file-upload endpoint would allow.
const maxArchiveBytes = 64 << 20

// Push handles POST /projects: the request body is the raw zip archive.
func (h *ProjectHandler) Push(ctx *gin.Context) {
	archive, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxArchiveBytes+1))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": errInvalidRequest})
		return
	}
	if len(archive) > maxArchiveBytes {
		ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errInvalidRequest})
		return
	}

	project, err := h.api.PushProject(ctx.Request.Context(), archive)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidProject), errors.Is(err, domain.ErrEnvironment):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("push project", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, project)
}

// List handles GET /projects.
func (h *ProjectHandler) List(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"projects": h.api.GetProjects()})
}

// Spiders handles GET /projects/:name/spiders.
func (h *ProjectHandler) Spiders(ctx *gin.Context) {
	name := ctx.Param("name")

	spiders, err := h.api.GetSpiders(name)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errProjectNotFound})
			return
		}
		h.logger.Error("get spiders", "project", name, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"spiders": spiders})
}

// Remove handles DELETE /projects/:name.
func (h *ProjectHandler) Remove(ctx *gin.Context) {
	name := ctx.Param("name")

	if err := h.api.RemoveProject(ctx.Request.Context(), name); err != nil {
		switch {
		case errors.Is(err, domain.ErrProjectNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errProjectNotFound})
		case errors.Is(err, domain.ErrProjectInUse):
			ctx.JSON(http.StatusConflict, gin.H{"error": errProjectInUse})
		default:
			h.logger.Error("remove project", "project", name, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}
