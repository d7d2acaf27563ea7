package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/scrapydo/scrapyd-go/internal/domain"
	"github.com/scrapydo/scrapyd-go/internal/metrics"
	"github.com/scrapydo/scrapyd-go/internal/supervisor"
)

// tickScheduler asks the DSL scheduler which triggers are due and
// re-enters the control API's schedule_job("now") path for each one,
// exactly as spec §4.D describes.
func (o *Orchestrator) tickScheduler(ctx context.Context) {
	now := o.clock.Now()
	for _, jobID := range o.scheduler.Due(now) {
		job, err := o.store.Get(ctx, jobID)
		if err != nil {
			o.logger.Error("due trigger references missing job", "job_id", jobID, "error", err)
			continue
		}
		if _, err := o.createPending(ctx, job.Project, job.Spider, domain.NowSchedule, domain.ActorScheduler, now); err != nil {
			o.logger.Error("scheduler fire failed", "job_id", jobID, "project", job.Project, "spider", job.Spider, "error", err)
		}
	}
	metrics.LiveTriggers.Set(float64(o.scheduler.Len()))
}

// createPending inserts a fresh PENDING row and fans out JOB_UPDATE.
// Shared by ScheduleJob(when="now") and the scheduler's fire callback.
func (o *Orchestrator) createPending(ctx context.Context, project, spider, schedule string, actor domain.Actor, now time.Time) (*domain.Job, error) {
	job := domain.NewJob(domain.StatusPending, actor, schedule, project, spider, now)
	if err := o.store.Add(ctx, job); err != nil {
		return nil, fmt.Errorf("add pending job: %w", err)
	}
	o.bus.Publish(domain.EventJobUpdate, job.Clone())
	return job, nil
}

// tickCrawlers drains PENDING rows, oldest first, into the run-one
// sequence while a job slot remains available.
func (o *Orchestrator) tickCrawlers(ctx context.Context) {
	for {
		o.mu.Lock()
		slotsUsed := len(o.runningJobs)
		o.mu.Unlock()
		metrics.JobSlotsInUse.Set(float64(slotsUsed))
		if slotsUsed >= o.cfg.JobSlots {
			return
		}

		pending, err := o.store.ByStatus(ctx, domain.StatusPending)
		if err != nil {
			o.logger.Error("list pending jobs", "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		// ByStatus orders newest-first; the oldest PENDING row is the last element.
		job := pending[len(pending)-1]
		o.runOne(ctx, job)
	}
}

// runOne implements spec §4.D's run-one sequence: flip the row to
// RUNNING, reserve a slot with a placeholder, then hand off to the
// spawn goroutine. The placeholder is inserted before the subprocess
// exists so the slot budget counts in-flight spawns.
func (o *Orchestrator) runOne(ctx context.Context, job *domain.Job) {
	now := o.clock.Now()
	job.Touch(domain.StatusRunning, now)
	if err := o.store.Commit(ctx, job); err != nil {
		o.logger.Error("commit running transition", "job_id", job.ID, "error", err)
		return
	}
	o.bus.Publish(domain.EventJobUpdate, job.Clone())

	o.mu.Lock()
	o.runningJobs[job.ID] = &runningJob{start: now}
	o.mu.Unlock()

	go o.spawnAndTrack(ctx, job.Clone(), now)
}

// spawnAndTrack unzips the project archive into a fresh temp dir,
// starts the crawler via the supervisor, and replaces the placeholder
// with the live handle. On any failure it marks the job FAILED and
// drops the placeholder (spec §4.D point 5).
func (o *Orchestrator) spawnAndTrack(ctx context.Context, job *domain.Job, start time.Time) {
	spawnStart := o.clock.Now()
	tmpDir, err := os.MkdirTemp("", "scrapydo-run-"+job.ID+"-")
	if err != nil {
		o.failSpawn(job, start, fmt.Errorf("create temp run dir: %w", err))
		return
	}

	proj, ok := o.registry.Get(job.Project)
	if !ok {
		os.RemoveAll(tmpDir)
		o.failSpawn(job, start, fmt.Errorf("project %q not found", job.Project))
		return
	}

	if err := extractZip(proj.Archive, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		o.failSpawn(job, start, fmt.Errorf("extract project archive: %w", err))
		return
	}
	projectRoot := filepath.Join(tmpDir, job.Project)
	if _, err := os.Stat(projectRoot); err != nil {
		os.RemoveAll(tmpDir)
		o.failSpawn(job, start, fmt.Errorf("extracted project directory missing: %w", err))
		return
	}

	env := append(os.Environ(), "SPIDER_DATA_DIR="+o.layout.spiderDataDir())
	handle, err := o.supervisor.Spawn(ctx, supervisor.Spec{
		Command: o.cfg.RunnerCommand,
		Args:    []string{"crawl", job.Spider},
		JobID:   job.ID,
		LogDir:  o.layout.logDir(),
		Env:     env,
		Dir:     projectRoot,
	})
	if err != nil {
		os.RemoveAll(tmpDir)
		o.failSpawn(job, start, fmt.Errorf("spawn crawler: %w", err))
		return
	}
	metrics.SpawnLatency.Observe(o.clock.Now().Sub(spawnStart).Seconds())

	o.mu.Lock()
	rj, present := o.runningJobs[job.ID]
	cancelRequested := false
	if present {
		cancelRequested = rj.cancelRequested
		rj.handle = handle
	} else {
		o.runningJobs[job.ID] = &runningJob{handle: handle, start: start}
	}
	o.mu.Unlock()

	if cancelRequested {
		if err := handle.Signal(); err != nil {
			o.logger.Error("signal canceled-while-starting child", "job_id", job.ID, "error", err)
		}
	}

	go o.awaitCompletion(job.ID, start, handle, tmpDir)
}

// failSpawn records a spawn-time IOError as a FAILED job, per spec §7:
// "A failed spawn produces a FAILED job, not a crashed daemon."
func (o *Orchestrator) failSpawn(job *domain.Job, start time.Time, cause error) {
	o.logger.Error("spawn failed", "job_id", job.ID, "project", job.Project, "spider", job.Spider, "error", cause)
	now := o.clock.Now()
	job.Finish(domain.StatusFailed, now.Sub(start), now)

	ctx := context.Background()
	if err := o.store.Commit(ctx, job); err != nil {
		o.logger.Error("commit failed-spawn job", "job_id", job.ID, "error", err)
	}
	o.bus.Publish(domain.EventJobUpdate, job.Clone())
	metrics.JobsFinishedTotal.WithLabelValues(string(domain.StatusFailed)).Inc()

	o.mu.Lock()
	delete(o.runningJobs, job.ID)
	o.mu.Unlock()
}

// awaitCompletion blocks on the child's completion future, deletes the
// temp run directory unconditionally, and writes the terminal status
// back to the store. A cancelRequested flag recorded on the running-job
// record (not counter mutation at the cancel call site, per spec §9's
// redesign) decides CANCELED vs the exit-code-derived outcome.
func (o *Orchestrator) awaitCompletion(jobID string, start time.Time, handle *supervisor.Handle, tmpDir string) {
	defer os.RemoveAll(tmpDir)

	result := handle.Wait(context.Background())

	o.mu.Lock()
	rj := o.runningJobs[jobID]
	cancelRequested := rj != nil && rj.cancelRequested
	delete(o.runningJobs, jobID)
	o.mu.Unlock()

	ctx := context.Background()
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("load job after completion", "job_id", jobID, "error", err)
		return
	}

	now := o.clock.Now()
	var status domain.Status
	switch {
	case cancelRequested:
		status = domain.StatusCanceled
	case result.Err != nil:
		status = domain.StatusFailed
	case result.ExitCode == 0:
		status = domain.StatusSuccessful
	default:
		status = domain.StatusFailed
	}
	job.Finish(status, now.Sub(start), now)
	if err := o.store.Commit(ctx, job); err != nil {
		o.logger.Error("commit finished job", "job_id", jobID, "error", err)
		return
	}
	o.bus.Publish(domain.EventJobUpdate, job.Clone())
	metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
}

// tickPurger removes completed jobs beyond the retention cap, oldest
// first, unlinking their log files (spec §4.D, open question #1:
// ordering is by timestamp descending, the tail is purged).
func (o *Orchestrator) tickPurger(ctx context.Context) {
	completed, err := o.store.Completed(ctx)
	if err != nil {
		o.logger.Error("list completed jobs", "error", err)
		return
	}
	if len(completed) <= o.cfg.CompletedCap {
		return
	}

	toPurge := completed[o.cfg.CompletedCap:]
	for _, job := range toPurge {
		if err := o.store.Remove(ctx, job.ID); err != nil {
			o.logger.Error("remove purged job", "job_id", job.ID, "error", err)
			continue
		}
		outPath, errPath := supervisor.LogPaths(o.layout.logDir(), job.ID)
		os.Remove(outPath)
		os.Remove(errPath)
		o.bus.Publish(domain.EventJobRemove, job.ID)
		metrics.PurgedJobsTotal.Inc()
	}
	o.logger.Info("purged completed jobs", "count", len(toPurge))
}

// tickEvents samples resident memory and emits DAEMON_STATUS_CHANGE
// when more than 60s have elapsed since the last emission or the sample
// moved by at least 1MB (spec §4.D).
func (o *Orchestrator) tickEvents(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	mb := float64(mem.Sys) / (1024 * 1024)
	metrics.DaemonResidentMemoryBytes.Set(float64(mem.Sys))

	now := o.clock.Now()
	elapsed := now.Sub(o.lastEventSample)
	delta := mb - o.lastEventSampleMB
	if delta < 0 {
		delta = -delta
	}
	if o.lastEventSample.IsZero() || elapsed > 60*time.Second || delta >= 1 {
		o.lastEventSample = now
		o.lastEventSampleMB = mb
		o.bus.Publish(domain.EventDaemonStatusChange, nil)
	}
}
