package sqlite_test

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrapydo/scrapyd-go/internal/domain"
	"github.com/scrapydo/scrapyd-go/internal/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.db")
	s, err := sqlite.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := domain.NewJob(domain.StatusPending, domain.ActorUser, domain.NowSchedule, "quotesbot", "toscrape-css", time.Now().UTC().Truncate(time.Second))
	if err := s.Add(ctx, job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != job.ID || got.Status != job.Status || got.Project != job.Project || got.Spider != job.Spider {
		t.Fatalf("Get() = %+v, want %+v", got, job)
	}
	if !got.Timestamp.Equal(job.Timestamp) {
		t.Fatalf("Timestamp = %v, want %v", got.Timestamp, job.Timestamp)
	}

	byStatus, err := s.ByStatus(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("ByStatus: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != job.ID {
		t.Fatalf("ByStatus() = %+v, want [job]", byStatus)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := domain.NewJob(domain.StatusPending, domain.ActorUser, domain.NowSchedule, "p", "s", time.Now())
	if err := s.Add(ctx, job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, job); err != domain.ErrDuplicateJob {
		t.Fatalf("Add(duplicate) = %v, want ErrDuplicateJob", err)
	}
}

func TestGetMissingFails(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); err != domain.ErrJobNotFound {
		t.Fatalf("Get(missing) = %v, want ErrJobNotFound", err)
	}
}

func TestRecoverRunningToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	running := domain.NewJob(domain.StatusRunning, domain.ActorScheduler, domain.NowSchedule, "p", "s", time.Now().UTC())
	scheduled := domain.NewJob(domain.StatusScheduled, domain.ActorUser, "every day", "p", "s2", time.Now().UTC())
	if err := s.Add(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, scheduled); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverRunningToPending(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("RecoverRunningToPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	got, err := s.Get(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("Status = %v, want PENDING", got.Status)
	}

	untouched, err := s.Get(ctx, scheduled.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.Status != domain.StatusScheduled {
		t.Fatalf("Status = %v, want unchanged SCHEDULED", untouched.Status)
	}
}

func TestCommitUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := domain.NewJob(domain.StatusRunning, domain.ActorUser, domain.NowSchedule, "p", "s", time.Now().UTC())
	if err := s.Add(ctx, job); err != nil {
		t.Fatal(err)
	}

	job.Finish(domain.StatusSuccessful, 5*time.Second, time.Now().UTC())
	if err := s.Commit(ctx, job); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSuccessful || got.Duration == nil || *got.Duration != 5 {
		t.Fatalf("Get() = %+v, want SUCCESSFUL with duration 5", got)
	}
}

func TestCompletedOrderingNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	older := domain.NewJob(domain.StatusSuccessful, domain.ActorUser, domain.NowSchedule, "p", "s", base)
	newer := domain.NewJob(domain.StatusSuccessful, domain.ActorUser, domain.NowSchedule, "p", "s", base.Add(time.Minute))
	if err := s.Add(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(ctx, newer); err != nil {
		t.Fatal(err)
	}

	completed, err := s.Completed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 2 || completed[0].ID != newer.ID || completed[1].ID != older.ID {
		t.Fatalf("Completed() not newest-first: %+v", completed)
	}
}

// TestOpenMigratesFromV1AndBacksUp seeds a v1-schema file by hand (v1->v2
// is a no-op schema change, so the table layout is identical — only the
// recorded version differs) and checks that Open bumps the stored version
// to sqlite.CurrentSchemaVersion, leaves a ".bak.*" sibling holding the
// exact pre-migration bytes, and preserves existing rows.
func TestOpenMigratesFromV1AndBacksUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.db")

	seed, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	if _, err := seed.Exec(`
		CREATE TABLE schedule (
			identifier TEXT PRIMARY KEY, status TEXT NOT NULL, actor TEXT NOT NULL,
			schedule TEXT, project TEXT NOT NULL, spider TEXT NOT NULL,
			timestamp DATETIME NOT NULL, duration INTEGER
		);
		CREATE TABLE schedule_metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL);
		INSERT INTO schedule_metadata (key, value) VALUES ('version', '1');
		INSERT INTO schedule (identifier, status, actor, schedule, project, spider, timestamp, duration)
		VALUES ('job-1', 'SUCCESSFUL', 'USER', 'now', 'p', 's', '2026-01-01T00:00:00Z', 5);
	`); err != nil {
		t.Fatalf("seed v1 schema: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatal(err)
	}

	preMigrationBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read seed file: %v", err)
	}

	s, err := sqlite.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	matches, err := filepath.Glob(path + ".bak.*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("backup files = %v, want exactly 1", matches)
	}
	backupBytes, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(backupBytes, preMigrationBytes) {
		t.Fatal("backup content does not match the pre-migration file")
	}

	job, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != domain.StatusSuccessful || job.Duration == nil || *job.Duration != 5 {
		t.Fatalf("preserved row = %+v, want SUCCESSFUL with duration 5", job)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	defer raw.Close()

	var version string
	if err := raw.QueryRow(`SELECT value FROM schedule_metadata WHERE key = 'version'`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != "2" {
		t.Fatalf("version = %s, want %d", version, sqlite.CurrentSchemaVersion)
	}
}
