// Package sqlite is the Schedule Store: an embedded, schema-versioned
// relational file holding the job table and a small metadata table keyed
// by version. It assumes a single writer, exactly like the rest of the
// orchestrator.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/scrapydo/scrapyd-go/internal/domain"
)

// CurrentSchemaVersion is the schema version this build writes and
// migrates up to. It is recorded in schedule_metadata under key "version".
const CurrentSchemaVersion = 2

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS schedule (
	identifier TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	actor      TEXT NOT NULL,
	schedule   TEXT,
	project    TEXT NOT NULL,
	spider     TEXT NOT NULL,
	timestamp  DATETIME NOT NULL,
	duration   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_schedule_status_timestamp
	ON schedule(status, timestamp DESC);

CREATE TABLE IF NOT EXISTS schedule_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the Schedule Store. All methods are synchronous and assume the
// caller serializes writes — the orchestrator is the only writer.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// migrations maps "migrate away from version N" to the function that
// brings the schema from N to N+1. Registered in ascending order and
// applied strictly in that order from the stored version up to
// CurrentSchemaVersion.
var migrations = map[int]func(*sql.Tx) error{
	1: migrateV1ToV2,
}

// migrateV1ToV2 is a no-op: v2 only renumbers the schema version, per the
// upstream project's own history. It exists so a future
// v3 migration has a registered predecessor to chain from.
func migrateV1ToV2(_ *sql.Tx) error {
	return nil
}

// Open opens (or creates) the schedule store file at path, applying any
// pending forward migrations. On a version bump it first copies the
// pre-migration file to a timestamped backup sibling.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "schedule_store")

	existed := fileExists(path)

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open schedule store: %w", err)
	}
	// The store assumes a single writer; one connection avoids SQLITE_BUSY
	// under concurrent access from this process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping schedule store: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}

	if err := s.ensureSchema(ctx, existed); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) ensureSchema(ctx context.Context, existed bool) error {
	if _, err := s.db.ExecContext(ctx, createTablesSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	version, err := s.readVersion(ctx)
	if err != nil {
		return err
	}

	if version == 0 {
		// Fresh store (or one that never recorded a version): stamp it at
		// the current schema version.
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schedule_metadata (key, value) VALUES ('version', ?)`,
			CurrentSchemaVersion); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
		return nil
	}

	if version >= CurrentSchemaVersion {
		return nil
	}

	if existed {
		if err := s.backup(); err != nil {
			return fmt.Errorf("backup before migration: %w", err)
		}
	}

	for v := version; v < CurrentSchemaVersion; v++ {
		migrate, ok := migrations[v]
		if !ok {
			return fmt.Errorf("no migration registered from schema version %d", v)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if err := migrate(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate v%d->v%d: %w", v, v+1, err)
		}
		if _, err := tx.Exec(`UPDATE schedule_metadata SET value = ? WHERE key = 'version'`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d->v%d: %w", v, v+1, err)
		}
		s.logger.Info("migrated schedule store", "from", v, "to", v+1)
	}

	return nil
}

func (s *Store) readVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schedule_metadata WHERE key = 'version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return version, nil
}

// backup copies the store file to "<path>.bak.YYYYMMDD-HHMMSS" before a
// migration touches it.
func (s *Store) backup() error {
	dst := fmt.Sprintf("%s.bak.%s", s.path, time.Now().Format("20060102-150405"))

	src, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copy backup: %w", err)
	}
	return out.Sync()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping satisfies the health.Pinger interface.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Add inserts job. It fails with domain.ErrDuplicateJob if the identifier
// collides.
func (s *Store) Add(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (identifier, status, actor, schedule, project, spider, timestamp, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(job.Actor), job.Schedule, job.Project, job.Spider,
		job.Timestamp.UTC().Format(time.RFC3339Nano), job.Duration)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("add job: %w", err)
	}
	return nil
}

// Commit upserts job, used for in-place status/duration mutation.
func (s *Store) Commit(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule (identifier, status, actor, schedule, project, spider, timestamp, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			status = excluded.status,
			actor = excluded.actor,
			schedule = excluded.schedule,
			project = excluded.project,
			spider = excluded.spider,
			timestamp = excluded.timestamp,
			duration = excluded.duration`,
		job.ID, string(job.Status), string(job.Actor), job.Schedule, job.Project, job.Spider,
		job.Timestamp.UTC().Format(time.RFC3339Nano), job.Duration)
	if err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// Get retrieves a job by id. It fails with domain.ErrJobNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identifier, status, actor, schedule, project, spider, timestamp, duration
		FROM schedule WHERE identifier = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ByStatus returns every job with the given status, newest-first.
func (s *Store) ByStatus(ctx context.Context, status domain.Status) ([]*domain.Job, error) {
	return s.query(ctx, `
		SELECT identifier, status, actor, schedule, project, spider, timestamp, duration
		FROM schedule WHERE status = ?
		ORDER BY timestamp DESC, identifier ASC`, string(status))
}

// Active returns the union of SCHEDULED, PENDING and RUNNING jobs,
// newest-first.
func (s *Store) Active(ctx context.Context) ([]*domain.Job, error) {
	return s.query(ctx, `
		SELECT identifier, status, actor, schedule, project, spider, timestamp, duration
		FROM schedule WHERE status IN (?, ?, ?)
		ORDER BY timestamp DESC, identifier ASC`,
		string(domain.StatusScheduled), string(domain.StatusPending), string(domain.StatusRunning))
}

// Completed returns the union of CANCELED, SUCCESSFUL and FAILED jobs,
// newest-first.
func (s *Store) Completed(ctx context.Context) ([]*domain.Job, error) {
	return s.query(ctx, `
		SELECT identifier, status, actor, schedule, project, spider, timestamp, duration
		FROM schedule WHERE status IN (?, ?, ?)
		ORDER BY timestamp DESC, identifier ASC`,
		string(domain.StatusCanceled), string(domain.StatusSuccessful), string(domain.StatusFailed))
}

// ScheduledFor returns every SCHEDULED job belonging to project, used to
// guard project removal and re-push of a project that dropped spiders.
func (s *Store) ScheduledFor(ctx context.Context, project string) ([]*domain.Job, error) {
	return s.query(ctx, `
		SELECT identifier, status, actor, schedule, project, spider, timestamp, duration
		FROM schedule WHERE status = ? AND project = ?
		ORDER BY timestamp DESC, identifier ASC`, string(domain.StatusScheduled), project)
}

// Remove deletes a job by id. It is a no-op if the id is absent.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule WHERE identifier = ?`, id); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

// RecoverRunningToPending demotes every RUNNING row to PENDING. Called
// once at orchestrator startup, before any loop runs, so a crash while a
// child was live doesn't strand the row in RUNNING forever.
func (s *Store) RecoverRunningToPending(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule SET status = ?, timestamp = ?
		WHERE status = ?`,
		string(domain.StatusPending), now.UTC().Format(time.RFC3339Nano), string(domain.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	return int(n), nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		actor     string
		schedule  sql.NullString
		timestamp string
		duration  sql.NullInt64
	)
	if err := row.Scan(&job.ID, &status, &actor, &schedule, &job.Project, &job.Spider, &timestamp, &duration); err != nil {
		return nil, err
	}
	job.Status = domain.Status(status)
	job.Actor = domain.Actor(actor)
	job.Schedule = schedule.String
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", timestamp, err)
	}
	job.Timestamp = ts
	if duration.Valid {
		d := int(duration.Int64)
		job.Duration = &d
	}
	return &job, nil
}

func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
