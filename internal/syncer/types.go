package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"schedsync/internal/reconcile"
	"schedsync/internal/schedule"
)

var (
	// ErrProbeFailed aborts a cycle before any group job is dispatched.
	ErrProbeFailed = errors.New("liveness probe failed")

	// ErrCycleRunning is returned when a cycle is triggered while the
	// previous one has not finished (overlap skip).
	ErrCycleRunning = errors.New("sync cycle already running")
)

// Event types published on the bus.
const (
	EventCycleStarted  = "sync.cycle.started"
	EventCycleFinished = "sync.cycle.finished"
	EventGroupSynced   = "sync.group.synced"
)

// Config controls the per-cycle fan-out.
type Config struct {
	Workers int // concurrent group jobs; default 4
}

// Fetcher is the document-fetch collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, link string) ([]byte, error)
	Probe(ctx context.Context) error
}

// Parser turns one group's raw document into candidate entries.
type Parser interface {
	Parse(groupID int64, doc []byte) ([]schedule.Entry, error)
}

// Reconciler applies one group's entries against persisted state.
type Reconciler interface {
	Reconcile(ctx context.Context, epoch schedule.Epoch, groupID int64, entries []schedule.Entry) (reconcile.Result, error)
}

// GroupReport is the outcome of one group's job.
type GroupReport struct {
	Group       schedule.Group
	Affected    []time.Time
	Created     int
	Deactivated int
	Err         error
}

func (r GroupReport) Changed() bool { return r.Err == nil && len(r.Affected) > 0 }

// CycleReport aggregates one full cycle.
type CycleReport struct {
	Epoch   schedule.Epoch
	Started time.Time
	Took    time.Duration
	Groups  []GroupReport
	Failed  int // groups whose job errored
	Changed int // groups with a non-empty affected set
}

// GroupEvent is the bus payload for EventGroupSynced.
type GroupEvent struct {
	GroupID     int64     `json:"group_id"`
	Group       string    `json:"group"`
	Created     int       `json:"created"`
	Deactivated int       `json:"deactivated"`
	Dates       []string  `json:"dates,omitempty"`
	Error       string    `json:"error,omitempty"`
	Started     time.Time `json:"started"`
}

// CycleEvent is the bus payload for cycle start/finish.
type CycleEvent struct {
	Epoch   int64         `json:"epoch"`
	Groups  int           `json:"groups"`
	Failed  int           `json:"failed"`
	Changed int           `json:"changed"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

// runState gates overlapping cycles.
type runState struct {
	mu      sync.Mutex
	running bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
