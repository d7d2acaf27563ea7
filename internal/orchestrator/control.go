package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/scrapydo/scrapyd-go/internal/domain"
	"github.com/scrapydo/scrapyd-go/internal/metrics"
	"github.com/scrapydo/scrapyd-go/internal/supervisor"
)

// GetProjects returns every known project name (spec §4.G).
func (o *Orchestrator) GetProjects() []string {
	return o.registry.Names()
}

// GetSpiders returns the spiders discovered for project at push time.
func (o *Orchestrator) GetSpiders(project string) ([]string, error) {
	p, ok := o.registry.Get(project)
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	return p.Spiders, nil
}

// ScheduleJob implements spec §4.G's schedule_job: when="now" creates a
// PENDING row directly; any other value is parsed by the recurrence DSL
// and stored as a live SCHEDULED row whose schedule string is preserved.
func (o *Orchestrator) ScheduleJob(ctx context.Context, project, spider, when string, actor domain.Actor) (string, error) {
	p, ok := o.registry.Get(project)
	if !ok {
		return "", domain.ErrProjectNotFound
	}
	if !p.HasSpider(spider) {
		return "", domain.ErrSpiderNotFound
	}

	now := o.clock.Now()

	if when == domain.NowSchedule {
		job, err := o.createPending(ctx, project, spider, domain.NowSchedule, actor, now)
		if err != nil {
			return "", err
		}
		return job.ID, nil
	}

	job := domain.NewJob(domain.StatusScheduled, actor, when, project, spider, now)
	if _, err := o.scheduler.Register(job.ID, when, now); err != nil {
		metrics.DSLParseFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
	}
	if err := o.store.Add(ctx, job); err != nil {
		o.scheduler.Cancel(job.ID)
		return "", fmt.Errorf("add scheduled job: %w", err)
	}

	o.bus.Publish(domain.EventJobUpdate, job.Clone())
	metrics.LiveTriggers.Set(float64(o.scheduler.Len()))
	return job.ID, nil
}

// CancelJob implements spec §4.D's cancel operation, including the race
// between "scheduled -> started" and "cancel request" on a job that is
// currently spawning.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.StatusScheduled:
		o.scheduler.Cancel(id)
		job.Touch(domain.StatusCanceled, o.clock.Now())
		if err := o.store.Commit(ctx, job); err != nil {
			return fmt.Errorf("commit canceled job: %w", err)
		}
		o.bus.Publish(domain.EventJobUpdate, job.Clone())
		return nil

	case domain.StatusPending:
		job.Touch(domain.StatusCanceled, o.clock.Now())
		if err := o.store.Commit(ctx, job); err != nil {
			return fmt.Errorf("commit canceled job: %w", err)
		}
		o.bus.Publish(domain.EventJobUpdate, job.Clone())
		return nil

	case domain.StatusRunning:
		return o.cancelRunning(ctx, id)

	default:
		return domain.ErrInvalidState
	}
}

// cancelRunning marks the running-job record as cancel-requested, waits
// (cooperatively) for a still-spawning placeholder to resolve into a
// live handle, signals SIGTERM, then lets awaitCompletion convert the
// terminal status to CANCELED via the cancelRequested flag — the single
// override of the generic finish path (spec §9's redesign).
func (o *Orchestrator) cancelRunning(ctx context.Context, id string) error {
	o.mu.Lock()
	rj, ok := o.runningJobs[id]
	if ok {
		rj.cancelRequested = true
	}
	o.mu.Unlock()
	if !ok {
		// Already finished between Get and here; nothing to cancel.
		return nil
	}

	var handle *supervisor.Handle
	for {
		o.mu.Lock()
		rj, ok := o.runningJobs[id]
		if !ok {
			o.mu.Unlock()
			return nil
		}
		handle = rj.handle
		o.mu.Unlock()
		if handle != nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return handle.Signal()
}

// GetJob implements spec §4.G's get_job.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return o.store.Get(ctx, id)
}

// GetJobs implements spec §4.G's get_jobs(status).
func (o *Orchestrator) GetJobs(ctx context.Context, status domain.Status) ([]*domain.Job, error) {
	return o.store.ByStatus(ctx, status)
}

// GetActiveJobs implements spec §4.G's get_active_jobs.
func (o *Orchestrator) GetActiveJobs(ctx context.Context) ([]*domain.Job, error) {
	return o.store.Active(ctx)
}

// GetCompletedJobs implements spec §4.G's get_completed_jobs.
func (o *Orchestrator) GetCompletedJobs(ctx context.Context) ([]*domain.Job, error) {
	return o.store.Completed(ctx)
}

// GetJobLogs implements spec §4.G's get_job_logs: nil for whichever
// stream left no file (spec §4.F: a stream that stayed empty is deleted).
func (o *Orchestrator) GetJobLogs(id string) (out, errPath *string) {
	outPath, errLogPath := supervisor.LogPaths(o.layout.logDir(), id)
	if fileExists(outPath) {
		out = &outPath
	}
	if fileExists(errLogPath) {
		errPath = &errLogPath
	}
	return out, errPath
}
