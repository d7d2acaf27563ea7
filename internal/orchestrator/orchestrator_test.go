package orchestrator_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scrapydo/scrapyd-go/internal/clock"
	"github.com/scrapydo/scrapyd-go/internal/domain"
	"github.com/scrapydo/scrapyd-go/internal/eventbus"
	"github.com/scrapydo/scrapyd-go/internal/orchestrator"
	"github.com/scrapydo/scrapyd-go/internal/recurrence"
	"github.com/scrapydo/scrapyd-go/internal/registry"
	"github.com/scrapydo/scrapyd-go/internal/store/sqlite"
	"github.com/scrapydo/scrapyd-go/internal/supervisor"
)

// testHarness wires a real schedule store, project registry, event bus,
// recurrence scheduler and process supervisor together, exactly as
// cmd/scrapydod/main.go does, but against a Fake clock so tests drive the
// four periodic loops deterministically instead of waiting on wall time
// (spec.md §9's "explicit scheduler injection" redesign note).
type testHarness struct {
	orch  *orchestrator.Orchestrator
	store *sqlite.Store
	reg   *registry.Registry
	bus   *eventbus.Bus
	sched *recurrence.Scheduler
	clk   *clock.Fake
	dir   string
}

func newHarness(t *testing.T, jobSlots, completedCap int, runnerScript string, listCommand []string) *testHarness {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(context.Background(), filepath.Join(dir, "schedule.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.Load(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	bus := eventbus.New(nil)
	sched := recurrence.NewScheduler(1)
	sup := supervisor.New(nil)
	clk := clock.NewFake(time.Date(2026, time.August, 2, 12, 0, 0, 0, time.UTC))

	cfg := orchestrator.Config{
		ProjectStore:  dir,
		JobSlots:      jobSlots,
		CompletedCap:  completedCap,
		RunnerCommand: runnerScript,
		ListCommand:   listCommand,
		ListTimeout:   5 * time.Second,
	}

	orch := orchestrator.New(store, reg, bus, sched, sup, clk, cfg, nil)
	return &testHarness{orch: orch, store: store, reg: reg, bus: bus, sched: sched, clk: clk, dir: dir}
}

func writeScript(t *testing.T, path, body string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script %s: %v", path, err)
	}
	return path
}

// writeProjectArchive produces a minimal zip whose extraction yields a
// "<name>/" directory, enough for spawnAndTrack's post-extraction
// directory check without a real scrapy project inside.
func writeProjectArchive(t *testing.T, path, name string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(name + "/placeholder.txt")
	if err != nil {
		t.Fatalf("zip create entry: %v", err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
}

func (h *testHarness) pushProject(t *testing.T, name string, spiders []string) {
	t.Helper()
	archivePath := filepath.Join(h.dir, name+".zip")
	writeProjectArchive(t, archivePath, name)
	if err := h.reg.Put(&domain.Project{Name: name, Archive: archivePath, Spiders: spiders}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSlotBoundNeverExceeded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "sleep 0.2; exit 0")
	h := newHarness(t, 2, 100, script, nil)
	h.pushProject(t, "quotesbot", []string{"toscrape-css"})

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	h.orch.Start(ctx)
	defer h.orch.Shutdown(ctx)

	for i := 0; i < 4; i++ {
		if _, err := h.orch.ScheduleJob(ctx, "quotesbot", "toscrape-css", "now", domain.ActorUser); err != nil {
			t.Fatalf("ScheduleJob: %v", err)
		}
	}

	maxRunning := 0
	for i := 0; i < 40; i++ {
		h.clk.Advance(time.Second)
		time.Sleep(15 * time.Millisecond)
		running, err := h.store.ByStatus(ctx, domain.StatusRunning)
		if err != nil {
			t.Fatal(err)
		}
		if len(running) > maxRunning {
			maxRunning = len(running)
		}
		if len(running) > 2 {
			t.Fatalf("observed %d running jobs, want <= 2", len(running))
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		completed, err := h.store.Completed(ctx)
		return err == nil && len(completed) == 4
	})

	completed, err := h.store.Completed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range completed {
		if j.Status != domain.StatusSuccessful {
			t.Fatalf("job %s status = %v, want SUCCESSFUL", j.ID, j.Status)
		}
		if j.Duration == nil {
			t.Fatalf("job %s has no duration recorded", j.ID)
		}
	}
}

func TestCancelOnScheduledRemovesTrigger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "exit 0")
	h := newHarness(t, 2, 100, script, nil)
	h.pushProject(t, "quotesbot", []string{"toscrape-css"})

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	id, err := h.orch.ScheduleJob(ctx, "quotesbot", "toscrape-css", "every hour", domain.ActorUser)
	if err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if !h.sched.Has(id) {
		t.Fatal("expected live trigger after scheduling")
	}

	if err := h.orch.CancelJob(ctx, id); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	if h.sched.Has(id) {
		t.Fatal("trigger still registered after cancel")
	}

	job, err := h.orch.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCanceled {
		t.Fatalf("status = %v, want CANCELED", job.Status)
	}
}

func TestCancelOnPendingNeverSpawns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "echo should-not-run >>"+filepath.Join(dir, "ran.txt"))
	h := newHarness(t, 2, 100, script, nil)
	h.pushProject(t, "quotesbot", []string{"toscrape-css"})

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	// Deliberately never call Start: tick-crawlers must never run, so a
	// PENDING job cancelled here can never have spawned regardless of
	// timing.

	id, err := h.orch.ScheduleJob(ctx, "quotesbot", "toscrape-css", "now", domain.ActorUser)
	if err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	job, err := h.orch.GetJob(ctx, id)
	if err != nil || job.Status != domain.StatusPending {
		t.Fatalf("job = %+v, err = %v, want PENDING", job, err)
	}

	if err := h.orch.CancelJob(ctx, id); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job, err = h.orch.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCanceled {
		t.Fatalf("status = %v, want CANCELED", job.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "ran.txt")); !os.IsNotExist(err) {
		t.Fatalf("crawler ran despite cancel on PENDING, stat err = %v", err)
	}
}

// TestCancelOnRunningResultsCanceled also exercises spec.md §8 property 7:
// the cancel request races tick-crawlers popping the row and the spawn
// goroutine resolving; by the time CancelJob observes status RUNNING the
// subprocess is very likely still unzipping/starting, so cancelRunning's
// cooperative wait for the placeholder to resolve into a live handle is
// the path under test.
func TestCancelOnRunningResultsCanceled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "trap 'exit 9' TERM; sleep 30 & wait")
	h := newHarness(t, 1, 100, script, nil)
	h.pushProject(t, "quotesbot", []string{"toscrape-css"})

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	h.orch.Start(ctx)
	defer h.orch.Shutdown(ctx)

	id, err := h.orch.ScheduleJob(ctx, "quotesbot", "toscrape-css", "now", domain.ActorUser)
	if err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	h.clk.Advance(time.Second)

	waitFor(t, 2*time.Second, func() bool {
		job, err := h.orch.GetJob(ctx, id)
		return err == nil && job.Status == domain.StatusRunning
	})

	if err := h.orch.CancelJob(ctx, id); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		job, err := h.orch.GetJob(ctx, id)
		return err == nil && job.Status.IsTerminal()
	})

	job, err := h.orch.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCanceled {
		t.Fatalf("status = %v, want CANCELED despite the trapped non-zero exit", job.Status)
	}
}

func TestCancelOnTerminalJobFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "exit 0")
	h := newHarness(t, 2, 100, script, nil)
	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	job := domain.NewJob(domain.StatusSuccessful, domain.ActorUser, domain.NowSchedule, "p", "s", time.Now().UTC())
	if err := h.store.Add(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.CancelJob(ctx, job.ID); err != domain.ErrInvalidState {
		t.Fatalf("CancelJob = %v, want ErrInvalidState", err)
	}
}

func TestStartupDemotesRunningJobsToPending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "exit 0")
	h := newHarness(t, 2, 100, script, nil)

	stale := domain.NewJob(domain.StatusRunning, domain.ActorUser, domain.NowSchedule, "p", "s", time.Now().UTC())
	if err := h.store.Add(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	got, err := h.orch.GetJob(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %v, want PENDING", got.Status)
	}
	if got.Project != stale.Project || got.Spider != stale.Spider || got.Actor != stale.Actor {
		t.Fatalf("recovery mutated immutable fields: got %+v, want project/spider/actor of %+v", got, stale)
	}
}

func TestRetentionPurgeKeepsNewestUnlinksRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "exit 0")
	h := newHarness(t, 2, 3, script, nil)

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	logDir := filepath.Join(h.dir, "log-dir")
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	var jobs []*domain.Job
	for i := 0; i < 5; i++ {
		j := domain.NewJob(domain.StatusSuccessful, domain.ActorUser, domain.NowSchedule, "p", "s", base.Add(time.Duration(i)*time.Minute))
		if err := h.store.Add(ctx, j); err != nil {
			t.Fatal(err)
		}
		for _, suffix := range []string{".out", ".err"} {
			if err := os.WriteFile(filepath.Join(logDir, j.ID+suffix), []byte("log"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		jobs = append(jobs, j)
	}

	h.orch.Start(ctx)
	defer h.orch.Shutdown(ctx)

	h.clk.Advance(10 * time.Second)

	waitFor(t, 2*time.Second, func() bool {
		completed, err := h.store.Completed(ctx)
		return err == nil && len(completed) == 3
	})

	completed, err := h.store.Completed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	remaining := make(map[string]bool, len(completed))
	for _, j := range completed {
		remaining[j.ID] = true
	}
	// The 3 newest (index 2,3,4) must survive; the 2 oldest (0,1) must be
	// gone along with their log files.
	for i, j := range jobs {
		_, logExists := os.Stat(filepath.Join(logDir, j.ID+".out"))
		if i < 2 {
			if remaining[j.ID] {
				t.Fatalf("job %d (oldest) should have been purged", i)
			}
			if logExists == nil {
				t.Fatalf("log file for purged job %d still present", i)
			}
		} else {
			if !remaining[j.ID] {
				t.Fatalf("job %d (newest) should have survived retention", i)
			}
			if logExists != nil {
				t.Fatalf("log file for retained job %d missing: %v", i, logExists)
			}
		}
	}
}

func TestJobUpdateEventObservesPostCommitState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "exit 0")
	h := newHarness(t, 2, 100, script, nil)
	h.pushProject(t, "quotesbot", []string{"toscrape-css"})

	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	var mu sync.Mutex
	var observed []domain.Status
	unsub := h.bus.Subscribe(func(ev domain.Event) {
		if ev.Kind != domain.EventJobUpdate {
			return
		}
		job := ev.Payload.(*domain.Job)
		stored, err := h.store.Get(ctx, job.ID)
		if err != nil {
			t.Errorf("event fired for job not yet committed: %v", err)
			return
		}
		if stored.Status != job.Status {
			t.Errorf("event payload status %v, committed status %v", job.Status, stored.Status)
		}
		mu.Lock()
		observed = append(observed, job.Status)
		mu.Unlock()
	})
	defer unsub()

	if _, err := h.orch.ScheduleJob(ctx, "quotesbot", "toscrape-css", "now", domain.ActorUser); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != domain.StatusPending {
		t.Fatalf("observed = %v, want [PENDING]", observed)
	}
}

func TestGetJobLogsReportsOnlyExistingStreams(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "runner.sh"), "exit 0")
	h := newHarness(t, 2, 100, script, nil)
	if err := h.orch.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	logDir := filepath.Join(h.dir, "log-dir")
	jobID := "job-with-only-stdout"
	if err := os.WriteFile(filepath.Join(logDir, jobID+".out"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, errPath := h.orch.GetJobLogs(jobID)
	if out == nil {
		t.Fatal("out = nil, want a path")
	}
	if errPath != nil {
		t.Fatalf("errPath = %v, want nil", *errPath)
	}
}
