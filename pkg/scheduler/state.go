package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leasesync/leasesync/pkg/listing"
)

// Phase is the stage a run is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEnumerating
	PhaseDispatching
	PhaseReconciling
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEnumerating:
		return "enumerating"
	case PhaseDispatching:
		return "dispatching"
	case PhaseReconciling:
		return "reconciling"
	case PhaseFinalizing:
		return "finalizing"
	}
	return "unknown"
}

// ActiveRun is a snapshot of a run holding its scope lock.
type ActiveRun struct {
	ID        string              `json:"id"`
	Scope     listing.Scope       `json:"scope"`
	Trigger   listing.TriggerKind `json:"trigger"`
	Phase     string              `json:"phase"`
	StartedAt time.Time           `json:"started_at"`
}

type activeRun struct {
	ActiveRun
	phase Phase
	keys  map[string]struct{}
}

// RunState is the process-wide record of active runs and of when each
// trigger last completed. The zero value is not usable; use NewRunState.
type RunState struct {
	mu     sync.Mutex
	active map[string]*activeRun
	last   map[listing.TriggerKind]time.Time
	// released is closed and replaced whenever a run is released.
	released chan struct{}
}

func NewRunState() *RunState {
	return &RunState{
		active:   make(map[string]*activeRun),
		last:     make(map[listing.TriggerKind]time.Time),
		released: make(chan struct{}),
	}
}

// acquire registers a run for scope. Full and recheck scopes exclude every
// other run; targeted scopes only exclude runs sharing an identity.
func (s *RunState) acquire(id string, scope listing.Scope, trigger listing.TriggerKind, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[string]struct{}, len(scope.Identities))
	for _, k := range scope.Identities {
		keys[k] = struct{}{}
	}
	for _, r := range s.active {
		if scope.Kind != listing.ScopeTargeted || r.Scope.Kind != listing.ScopeTargeted {
			return fmt.Errorf("%w: %s run %s is %s", ErrRunInProgress, r.Scope.Kind, r.ID, r.phase)
		}
		for k := range keys {
			if _, ok := r.keys[k]; ok {
				return fmt.Errorf("%w: run %s already covers %s", ErrRunInProgress, r.ID, k)
			}
		}
	}
	s.active[id] = &activeRun{
		ActiveRun: ActiveRun{ID: id, Scope: scope, Trigger: trigger, StartedAt: now},
		phase:     PhaseIdle,
		keys:      keys,
	}
	return nil
}

func (s *RunState) setPhase(id string, p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.active[id]; ok {
		r.phase = p
	}
}

// release drops the run. A zero finished time means the run was not
// persisted and the trigger's last-run time is left alone.
func (s *RunState) release(id string, finished time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	if !finished.IsZero() {
		s.last[r.Trigger] = finished
	}
	close(s.released)
	s.released = make(chan struct{})
}

// Released returns a channel that is closed the next time any run is
// released.
func (s *RunState) Released() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Phase returns the phase of run id, or PhaseIdle when it is not active.
func (s *RunState) Phase(id string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.active[id]; ok {
		return r.phase
	}
	return PhaseIdle
}

// Active returns the active runs ordered by start time.
func (s *RunState) Active() []ActiveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveRun, 0, len(s.active))
	for _, r := range s.active {
		a := r.ActiveRun
		a.Phase = r.phase.String()
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// LastRun returns when a run for trigger last finished and was persisted.
func (s *RunState) LastRun(trigger listing.TriggerKind) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[trigger]
	return t, ok
}
