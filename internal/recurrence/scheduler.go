package recurrence

import (
	"math/rand"
	"sync"
	"time"
)

// Trigger is a single live recurrence registered with a Scheduler.
type Trigger struct {
	ID       string
	Spec     Spec
	NextFire time.Time
}

// Scheduler holds the set of live triggers and advances them. It has no
// notion of jobs or projects — Due only returns the ids of fired triggers,
// and the orchestrator turns each one into a new PENDING job. The orchestrator's
// tick-scheduler loop calls Due once per second; ticks slower than a
// trigger's interval simply fire it on the next tick, coarsening
// granularity to whatever the caller's period is.
type Scheduler struct {
	mu       sync.Mutex
	rng      *rand.Rand
	triggers map[string]*Trigger
}

// NewScheduler returns an empty Scheduler. seed selects the ranged-form
// random source; pass 0 to seed from the current time.
func NewScheduler(seed int64) *Scheduler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scheduler{
		rng:      rand.New(rand.NewSource(seed)),
		triggers: make(map[string]*Trigger),
	}
}

// Register parses spec and adds a trigger under id, computing its first
// fire time relative to now. It returns ErrSyntax unchanged on failure and
// never mutates scheduler state in that case.
func (s *Scheduler) Register(id string, spec string, now time.Time) (Spec, error) {
	parsed, err := Parse(spec)
	if err != nil {
		return Spec{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[id] = &Trigger{
		ID:       id,
		Spec:     parsed,
		NextFire: parsed.NextFire(now, s.rng),
	}
	return parsed, nil
}

// Cancel removes a trigger. It is a no-op if the id is unknown.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
}

// Has reports whether id has a live trigger.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[id]
	return ok
}

// Due returns the ids of every trigger whose NextFire is at or before now,
// and advances each fired trigger's NextFire from now (not from the missed
// instant, so a long outage doesn't cause a fire storm on recovery).
func (s *Scheduler) Due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []string
	for id, t := range s.triggers {
		if !t.NextFire.After(now) {
			fired = append(fired, id)
			t.NextFire = t.Spec.NextFire(now, s.rng)
		}
	}
	return fired
}

// Len reports the number of live triggers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}
