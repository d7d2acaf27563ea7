package httptransport

import (
	"github.com/gin-gonic/gin"

	"github.com/scrapydo/scrapyd-go/internal/transport/http/handler"
	"github.com/scrapydo/scrapyd-go/internal/transport/http/middleware"
)

// NewRouter wires the Control API's HTTP surface (spec.md §4.G) behind
// the request-id and metrics middleware, with an optional bearer-token
// gate in front of everything but the status and health endpoints.
func NewRouter(jobHandler *handler.JobHandler, projectHandler *handler.ProjectHandler, statusHandler *handler.StatusHandler, healthHandler *handler.HealthHandler, jwtSecret []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())

	r.GET("/status", statusHandler.Get)
	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)

	api := r.Group("/", middleware.BearerAuth(jwtSecret))

	projects := api.Group("/projects")
	projects.POST("", projectHandler.Push)
	projects.GET("", projectHandler.List)
	projects.GET("/:name/spiders", projectHandler.Spiders)
	projects.DELETE("/:name", projectHandler.Remove)

	jobs := api.Group("/jobs")
	jobs.POST("", jobHandler.Schedule)
	jobs.GET("", jobHandler.List)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.GET("/:id/logs", jobHandler.Logs)
	jobs.POST("/:id/cancel", jobHandler.Cancel)

	return r
}
