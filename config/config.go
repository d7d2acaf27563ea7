package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the daemon's flat, env-sourced configuration. Reading an
// on-disk ini/yaml config file is out of scope (spec.md §1 excludes
// "configuration file parsing", not configuration itself); env vars are
// the ambient substitute.
type Config struct {
	Env string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`

	// HTTPAddr serves the Control API surface documented in SPEC_FULL.md §4.
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090" validate:"required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// ProjectStore is the root directory for archives, logs, spider-data
	// and the registry metadata side-file (spec.md §4.C, §6).
	ProjectStore string `env:"PROJECT_STORE" envDefault:"./var/scrapy-do" validate:"required"`
	// ScheduleStorePath is the embedded relational file backing the
	// schedule store (spec.md §4.A).
	ScheduleStorePath string `env:"SCHEDULE_STORE_PATH" envDefault:"./var/scrapy-do/schedule.db" validate:"required"`

	// JobSlots bounds concurrent RUNNING (or starting) crawlers.
	JobSlots int `env:"JOB_SLOTS" envDefault:"4" validate:"min=1"`
	// CompletedCap is the retention count: newest N completed jobs kept.
	CompletedCap int `env:"COMPLETED_CAP" envDefault:"100" validate:"min=0"`

	// RunnerCommand is invoked as "<runner> crawl <spider>" in the
	// unzipped project root (spec.md §6).
	RunnerCommand string `env:"RUNNER_COMMAND" envDefault:"scrapy"`
	// ListCommand enumerates a pushed project's spiders (spec.md §4.C step 4).
	ListCommand string `env:"LIST_COMMAND" envDefault:"scrapy list"`
	// ListTimeoutSec bounds how long the spider-list probe subprocess may run.
	ListTimeoutSec int `env:"LIST_TIMEOUT_SEC" envDefault:"30" validate:"min=1"`

	// BearerToken, when set, is the shared HMAC secret that verifies the
	// bearer JWT required on every project and job route; /status,
	// /healthz and /readyz stay open (authenticated access control is an
	// external-collaborator concern per spec.md §1; this is the minimal
	// ambient stand-in so the transport layer isn't wide open by default).
	BearerToken string `env:"BEARER_TOKEN"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
