package engine

import (
	"sync"
	"time"

	"crewly/internal/analyzer"
	"crewly/internal/sched"
)

// State is a session's position in the continuation state machine.
type State string

const (
	StateMonitored State = "MONITORED"
	StateAnalyzing State = "ANALYZING"
	StateActing    State = "ACTING"
	StatePaused    State = "PAUSED"
	StateEscalated State = "ESCALATED"
)

// SessionStatus is the audit view of one monitored session.
type SessionStatus struct {
	SessionRef    string
	State         State
	Alive         bool
	LastTrigger   string
	LastAnalysis  *analyzer.Analysis
	LastAction    string
	LastActionAt  time.Time
	LastError     string
	EventsHandled int
	// MaxIterations overrides the task and engine defaults when non-zero.
	MaxIterations int
}

// registry tracks per-session state and audit fields. Sessions appear on
// first contact; there is no explicit registration.
type registry struct {
	clock sched.Clock

	mu       sync.Mutex
	sessions map[string]*SessionStatus
}

func newRegistry(clock sched.Clock) *registry {
	return &registry{
		clock:    clock,
		sessions: make(map[string]*SessionStatus),
	}
}

// entry returns the live record for ref, creating it as MONITORED.
// Callers must hold r.mu.
func (r *registry) entry(ref string) *SessionStatus {
	s, ok := r.sessions[ref]
	if !ok {
		s = &SessionStatus{SessionRef: ref, State: StateMonitored}
		r.sessions[ref] = s
	}
	return s
}

// snapshot returns a copy; the second result reports whether the session
// was already known.
func (r *registry) snapshot(ref string) (SessionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	if !ok {
		return SessionStatus{SessionRef: ref, State: StateMonitored}, false
	}
	copied := *s
	if s.LastAnalysis != nil {
		a := *s.LastAnalysis
		copied.LastAnalysis = &a
	}
	return copied, true
}

func (r *registry) setState(ref string, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(ref).State = st
}

func (r *registry) state(ref string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	if !ok {
		return StateMonitored
	}
	return s.State
}

func (r *registry) recordEvent(ref, trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entry(ref)
	s.LastTrigger = trigger
	s.EventsHandled++
}

func (r *registry) recordAnalysis(ref string, a analyzer.Analysis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := a
	r.entry(ref).LastAnalysis = &copied
}

func (r *registry) recordAction(ref, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entry(ref)
	s.LastAction = action
	s.LastActionAt = r.clock.Now()
	s.LastError = ""
}

func (r *registry) recordError(ref string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(ref).LastError = err.Error()
}

func (r *registry) setMaxIterations(ref string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(ref).MaxIterations = n
}

func (r *registry) maxIterations(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	if !ok {
		return 0
	}
	return s.MaxIterations
}

// resume returns a paused or escalated session to MONITORED.
func (r *registry) resume(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entry(ref)
	if s.State == StatePaused || s.State == StateEscalated {
		s.State = StateMonitored
		s.LastError = ""
	}
}

// refs lists every session the registry has seen.
func (r *registry) refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for ref := range r.sessions {
		out = append(out, ref)
	}
	return out
}
