package domain

// EventKind enumerates the notifications the event bus fans out. Payload
// shapes are documented next to each constant.
type EventKind string

const (
	// EventDaemonStatusChange carries no payload; subscribers pull current
	// metrics themselves.
	EventDaemonStatusChange EventKind = "DAEMON_STATUS_CHANGE"
	// EventProjectPush carries a *Project.
	EventProjectPush EventKind = "PROJECT_PUSH"
	// EventProjectRemove carries the removed project's name (string).
	EventProjectRemove EventKind = "PROJECT_REMOVE"
	// EventJobUpdate carries a *Job.
	EventJobUpdate EventKind = "JOB_UPDATE"
	// EventJobRemove carries the removed job's identifier (string).
	EventJobRemove EventKind = "JOB_REMOVE"
)

// Event is one notification delivered to event bus subscribers.
type Event struct {
	Kind    EventKind
	Payload any
}
