// Package domain holds the core types shared by the schedule store, the
// orchestrator and the control API. Nothing in this package touches the
// filesystem, a subprocess or a network socket.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrDuplicateJob     = errors.New("job with this identifier already exists")
	ErrInvalidState     = errors.New("job is not in a cancellable state")
	ErrInvalidStatus    = errors.New("unknown job status")
	ErrProjectNotFound  = errors.New("project not found")
	ErrDuplicateProject = errors.New("project already exists")
	ErrSpiderNotFound   = errors.New("spider not found in project")
	ErrSpiderInUse      = errors.New("spider has scheduled jobs and cannot be removed")
	ErrProjectInUse     = errors.New("project has scheduled jobs and cannot be removed")
	ErrInvalidProject   = errors.New("invalid project archive")
	ErrEnvironment      = errors.New("required external executable missing")
	ErrInvalidSchedule  = errors.New("invalid recurrence expression")
)

// Status is one state in a Job's lifecycle. A SCHEDULED row stays
// SCHEDULED until canceled and spawns fresh PENDING rows when its trigger
// fires; a PENDING row becomes RUNNING or CANCELED; a RUNNING row ends as
// SUCCESSFUL, FAILED or CANCELED.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCanceled   Status = "CANCELED"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether s is one of the three statuses eligible for
// retention purging.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCanceled, StatusSuccessful, StatusFailed:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusScheduled, StatusPending, StatusRunning, StatusCanceled, StatusSuccessful, StatusFailed:
		return Status(s), nil
	default:
		return "", ErrInvalidStatus
	}
}

// Actor denotes who caused a Job to be created.
type Actor string

const (
	ActorUser      Actor = "USER"
	ActorScheduler Actor = "SCHEDULER"
)

// NowSchedule is the schedule string that bypasses the recurrence DSL
// entirely: the control API creates a PENDING row directly for it.
const NowSchedule = "now"

// Job is the unit of work tracked by the schedule store. Schedule, Project
// and Spider are immutable after creation; Status and Duration are the only
// fields mutated once a Job exists, apart from Timestamp, which every
// status change bumps.
type Job struct {
	ID        string
	Status    Status
	Actor     Actor
	Schedule  string
	Project   string
	Spider    string
	Timestamp time.Time
	Duration  *int
}

// NewJob builds a fresh Job with a random identifier and the given
// timestamp. The caller supplies everything that's immutable.
func NewJob(status Status, actor Actor, schedule, project, spider string, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Status:    status,
		Actor:     actor,
		Schedule:  schedule,
		Project:   project,
		Spider:    spider,
		Timestamp: now,
	}
}

// Touch sets status and bumps the timestamp — every status change carries
// a fresh timestamp.
func (j *Job) Touch(status Status, now time.Time) {
	j.Status = status
	j.Timestamp = now
}

// Finish sets a terminal status and records the run duration in whole
// seconds, in addition to doing what Touch does.
func (j *Job) Finish(status Status, duration time.Duration, now time.Time) {
	d := int(duration.Seconds())
	j.Duration = &d
	j.Touch(status, now)
}

// Clone returns a copy safe to hand to callers outside the orchestrator's
// single-owner line.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Duration != nil {
		d := *j.Duration
		cp.Duration = &d
	}
	return &cp
}
