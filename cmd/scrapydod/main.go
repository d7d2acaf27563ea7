// Command scrapydod is the scrapyd-go control plane daemon: it serves
// the Control API over HTTP (spec.md §4.G) while the orchestrator
// (spec.md §4.D) runs its periodic loops in the background.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scrapydo/scrapyd-go/config"
	"github.com/scrapydo/scrapyd-go/internal/clock"
	"github.com/scrapydo/scrapyd-go/internal/eventbus"
	"github.com/scrapydo/scrapyd-go/internal/health"
	ctxlog "github.com/scrapydo/scrapyd-go/internal/log"
	"github.com/scrapydo/scrapyd-go/internal/metrics"
	"github.com/scrapydo/scrapyd-go/internal/orchestrator"
	"github.com/scrapydo/scrapyd-go/internal/recurrence"
	"github.com/scrapydo/scrapyd-go/internal/registry"
	"github.com/scrapydo/scrapyd-go/internal/store/sqlite"
	"github.com/scrapydo/scrapyd-go/internal/supervisor"
	httptransport "github.com/scrapydo/scrapyd-go/internal/transport/http"
	"github.com/scrapydo/scrapyd-go/internal/transport/http/handler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Load(filepath.Join(cfg.ProjectStore, "metadata.json"))
	if err != nil {
		logger.Error("load project registry", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.ScheduleStorePath, logger)
	if err != nil {
		logger.Error("open schedule store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := eventbus.New(logger)
	sched := recurrence.NewScheduler(0)
	sup := supervisor.New(logger)

	orch := orchestrator.New(store, reg, bus, sched, sup, clock.System{}, orchestrator.Config{
		ProjectStore:  cfg.ProjectStore,
		JobSlots:      cfg.JobSlots,
		CompletedCap:  cfg.CompletedCap,
		RunnerCommand: cfg.RunnerCommand,
		ListCommand:   strings.Fields(cfg.ListCommand),
		ListTimeout:   time.Duration(cfg.ListTimeoutSec) * time.Second,
	}, logger)

	if err := orch.Startup(ctx); err != nil {
		logger.Error("orchestrator startup", "error", err)
		os.Exit(1)
	}
	orch.Start(ctx)

	metrics.Register()
	metrics.JobSlotsTotal.Set(float64(cfg.JobSlots))
	metrics.DaemonStartTime.Set(float64(time.Now().Unix()))
	checker := health.NewChecker(store, logger, prometheus.DefaultRegisterer)

	jobHandler := handler.NewJobHandler(orch, logger)
	projectHandler := handler.NewProjectHandler(orch, logger)
	statusHandler := handler.NewStatusHandler(orch)
	healthHandler := handler.NewHealthHandler(checker)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httptransport.NewRouter(jobHandler, projectHandler, statusHandler, healthHandler, []byte(cfg.BearerToken)),
	}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr)

	go func() {
		logger.Info("control API server started", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API server", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics server started", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown", "error", err)
	}

	logger.Info("scrapydod shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
