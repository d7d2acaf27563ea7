package orchestrator

import (
	"os"
	"runtime"
	"time"
)

// Status is the daemon status snapshot from SPEC_FULL.md §4: enough for
// an operator to eyeball process health without scraping /metrics.
type Status struct {
	Hostname        string    `json:"hostname"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	ResidentMemory  uint64    `json:"resident_memory_bytes"`
	JobSlotsTotal   int       `json:"job_slots_total"`
	JobSlotsInUse   int       `json:"job_slots_in_use"`
	LiveTriggers    int       `json:"live_triggers"`
	EventSubscriber int       `json:"event_subscribers"`
}

// subscriberCounter is the subset of eventbus.Bus the snapshot needs.
type subscriberCounter interface {
	Len() int
}

// Snapshot reports the daemon's current resource usage and load, per
// SPEC_FULL.md's supplemented read-only status endpoint.
func (o *Orchestrator) Snapshot() Status {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	o.mu.Lock()
	slotsInUse := len(o.runningJobs)
	o.mu.Unlock()

	hostname, _ := os.Hostname()

	subscribers := 0
	if sc, ok := o.bus.(subscriberCounter); ok {
		subscribers = sc.Len()
	}

	now := o.clock.Now()
	return Status{
		Hostname:        hostname,
		PID:             os.Getpid(),
		StartedAt:       o.startTime,
		UptimeSeconds:   now.Sub(o.startTime).Seconds(),
		ResidentMemory:  mem.Sys,
		JobSlotsTotal:   o.cfg.JobSlots,
		JobSlotsInUse:   slotsInUse,
		LiveTriggers:    o.scheduler.Len(),
		EventSubscriber: subscribers,
	}
}

// fileExists reports whether path names an existing entry that is not a
// directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
