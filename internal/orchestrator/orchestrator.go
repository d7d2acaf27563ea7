// Package orchestrator is the heart of the control plane (spec §4.D):
// four periodic loops plus the Control API operations (spec §4.G) that
// mutate the same schedule store, project registry and running-jobs map
// under one coordination point. It is built and tested together with
// the event bus and process supervisor because cancellation, retention
// and scheduling-to-pending conversion all touch the same state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/scrapydo/scrapyd-go/internal/clock"
	"github.com/scrapydo/scrapyd-go/internal/domain"
	"github.com/scrapydo/scrapyd-go/internal/recurrence"
	"github.com/scrapydo/scrapyd-go/internal/supervisor"
)

// Store is the subset of the schedule store (internal/store/sqlite.Store)
// the orchestrator depends on. Defined at point of use so tests can
// supply an in-memory fake.
type Store interface {
	Add(ctx context.Context, job *domain.Job) error
	Commit(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	ByStatus(ctx context.Context, status domain.Status) ([]*domain.Job, error)
	Active(ctx context.Context) ([]*domain.Job, error)
	Completed(ctx context.Context) ([]*domain.Job, error)
	ScheduledFor(ctx context.Context, project string) ([]*domain.Job, error)
	Remove(ctx context.Context, id string) error
	RecoverRunningToPending(ctx context.Context, now time.Time) (int, error)
}

// Registry is the subset of the project registry the orchestrator needs.
type Registry interface {
	Get(name string) (*domain.Project, bool)
	Names() []string
	Put(p *domain.Project) error
	Remove(name string) error
}

// Publisher is the subset of the event bus the orchestrator needs.
type Publisher interface {
	Publish(kind domain.EventKind, payload any)
}

// Scheduler is the subset of recurrence.Scheduler the orchestrator needs.
type Scheduler interface {
	Register(id, spec string, now time.Time) (recurrence.Spec, error)
	Cancel(id string)
	Has(id string) bool
	Due(now time.Time) []string
	Len() int
}

// Spawner is the subset of supervisor.Supervisor the orchestrator needs.
type Spawner interface {
	Spawn(ctx context.Context, spec supervisor.Spec) (*supervisor.Handle, error)
}

// Config bundles the few enumerated options from spec.md §6 that the
// orchestrator itself consumes.
type Config struct {
	ProjectStore  string
	JobSlots      int
	CompletedCap  int
	RunnerCommand string
	ListCommand   []string
	ListTimeout   time.Duration
}

// runningJob mirrors one RUNNING row. handle is nil while the child is
// still being spawned — that nil handle is the "placeholder" from spec
// §4.D, reserving a slot before the subprocess exists.
type runningJob struct {
	handle          *supervisor.Handle
	start           time.Time
	cancelRequested bool
}

// Orchestrator owns the four periodic loops and the two derived indices
// (runningJobs, scheduled trigger ids) described in spec §4.D. All
// mutations to those indices happen under mu; suspension points (spawn,
// wait, sleep) never hold the lock, so other loops and the event bus
// keep running while one operation is in flight.
type Orchestrator struct {
	store      Store
	registry   Registry
	bus        Publisher
	scheduler  Scheduler
	supervisor Spawner
	clock      clock.Clock
	logger     *slog.Logger
	layout     layout
	cfg        Config

	mu          sync.Mutex
	runningJobs map[string]*runningJob

	startTime time.Time

	lastEventSample  time.Time
	lastEventSampleMB float64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Orchestrator. Call Startup before Start.
func New(store Store, registry Registry, bus Publisher, scheduler Scheduler, sup Spawner, clk clock.Clock, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Orchestrator{
		store:       store,
		registry:    registry,
		bus:         bus,
		scheduler:   scheduler,
		supervisor:  sup,
		clock:       clk,
		logger:      logger.With("component", "orchestrator"),
		layout:      newLayout(cfg.ProjectStore),
		cfg:         cfg,
		runningJobs: make(map[string]*runningJob),
		stop:        make(chan struct{}),
	}
}

// Startup executes the one-time sequence from spec §4.D: create the
// project-store directories, register live triggers for every SCHEDULED
// row, and demote every RUNNING row to PENDING (crash recovery). It must
// run before Start.
func (o *Orchestrator) Startup(ctx context.Context) error {
	for _, dir := range []string{o.cfg.ProjectStore, o.layout.logDir(), o.layout.spiderDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create project store directory %s: %w", dir, err)
		}
	}

	now := o.clock.Now()
	o.startTime = now

	scheduled, err := o.store.ByStatus(ctx, domain.StatusScheduled)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}
	for _, job := range scheduled {
		if _, err := o.scheduler.Register(job.ID, job.Schedule, now); err != nil {
			// A row that was valid when written should still parse; log and
			// skip rather than fail startup over one corrupt row.
			o.logger.Error("re-registering scheduled trigger failed", "job_id", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
	}

	recovered, err := o.store.RecoverRunningToPending(ctx, now)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if recovered > 0 {
		o.logger.Warn("demoted running jobs to pending after restart", "count", recovered)
	}

	o.logger.Info("orchestrator startup complete", "scheduled_triggers", len(scheduled), "recovered", recovered)
	return nil
}

// Start launches the four periodic loops as background goroutines. It
// returns immediately; call Shutdown to stop them.
func (o *Orchestrator) Start(ctx context.Context) {
	loops := []struct {
		name   string
		period time.Duration
		fn     func(context.Context)
	}{
		{"tick-scheduler", time.Second, o.tickScheduler},
		{"tick-crawlers", time.Second, o.tickCrawlers},
		{"tick-purger", 10 * time.Second, o.tickPurger},
		{"tick-events", time.Second, o.tickEvents},
	}

	for _, l := range loops {
		// Create the ticker before the goroutine starts, so a clock
		// advanced right after Start returns is already observed.
		ticker := o.clock.NewTicker(l.period)
		o.wg.Add(1)
		go o.runLoop(ctx, l.name, ticker, l.fn)
	}
}

// runLoop drives fn on every tick until ctx is done or Shutdown is called.
// Per spec §7, a periodic loop never propagates a panic or error out —
// it recovers, logs, and continues to the next tick.
func (o *Orchestrator) runLoop(ctx context.Context, name string, ticker clock.Ticker, fn func(context.Context)) {
	defer o.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C():
			o.safeTick(ctx, name, fn)
		}
	}
}

func (o *Orchestrator) safeTick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("periodic loop panicked", "loop", name, "panic", r)
		}
	}()
	fn(ctx)
}

// Shutdown stops the loops and waits for every running (or starting)
// child to exit, SIGTERM'ing each one first. The process must not exit
// while a child is still live (spec §4.D Shutdown sequence).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.stop)
	o.wg.Wait()
	return o.waitForRunning(ctx, true)
}

// waitForRunning blocks until no placeholders remain, then (if cancel)
// signals SIGTERM to every running process and awaits every completion
// future.
func (o *Orchestrator) waitForRunning(ctx context.Context, cancel bool) error {
	for {
		o.mu.Lock()
		allStarted := true
		for _, rj := range o.runningJobs {
			if rj.handle == nil {
				allStarted = false
				break
			}
		}
		o.mu.Unlock()
		if allStarted {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	o.mu.Lock()
	handles := make([]*supervisor.Handle, 0, len(o.runningJobs))
	for _, rj := range o.runningJobs {
		handles = append(handles, rj.handle)
	}
	o.mu.Unlock()

	for _, h := range handles {
		if cancel {
			if err := h.Signal(); err != nil {
				o.logger.Error("signal child during shutdown", "error", err)
			}
		}
		h.Wait(ctx)
	}
	return nil
}
