package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/monitor"
)

// State is a session lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateCompleted
	StateTimedOut
	StateViolation
	StateCrashed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateViolation:
		return "violation_detected"
	case StateCrashed:
		return "crashed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// terminal reports whether s is a terminal execution outcome (not counting
// Terminated, which is the resource-release state past any outcome).
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateViolation, StateCrashed:
		return true
	}
	return false
}

// Session owns one sandboxed execution from creation to resource release.
// The terminal transition is guarded: natural completion and watchdog
// preemption may race, and only the first caller effects it.
type Session struct {
	ID          string
	CandidateID string
	Limits      SessionLimits
	StartedAt   time.Time

	mu         sync.Mutex
	state      State
	outcome    State // terminal outcome, preserved across Terminated
	endedAt    time.Time
	violations []monitor.RawViolation

	frame  *canvas.Frame
	cancel func() // preempts the running boundary

	terminate sync.Once
}

// NewSession allocates a session in Created; no execution resources are
// committed yet.
func NewSession(candidateID string, limits SessionLimits) *Session {
	return &Session{
		ID:          uuid.New().String(),
		CandidateID: candidateID,
		Limits:      limits,
		state:       StateCreated,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session through its non-terminal states. Returns false
// if the session already reached a terminal state (e.g. it was canceled
// while still initializing).
func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() || s.state == StateTerminated {
		return false
	}
	s.state = to
	if to == StateRunning && s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	return true
}

// finish records the terminal outcome. First caller wins; later callers
// (watchdog racing natural completion, or vice versa) are no-ops.
func (s *Session) finish(outcome State) bool {
	if !outcome.terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() || s.state == StateTerminated {
		return false
	}
	s.state = outcome
	s.outcome = outcome
	s.endedAt = time.Now()
	return true
}

// Outcome returns the recorded terminal state, or the current state if the
// session has not finished.
func (s *Session) Outcome() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.terminal() {
		return s.outcome
	}
	return s.state
}

// recordViolation appends a raw violation observed during this session.
func (s *Session) recordViolation(v monitor.RawViolation) {
	v.SessionID = s.ID
	v.CandidateID = s.CandidateID
	s.mu.Lock()
	s.violations = append(s.violations, v)
	s.mu.Unlock()
}

// Violations returns a snapshot of raw violations.
func (s *Session) Violations() []monitor.RawViolation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.RawViolation, len(s.violations))
	copy(out, s.violations)
	return out
}

// MemoryUsed reports the bytes the sketch has produced so far. Safe for
// concurrent use; the watchdog samples it.
func (s *Session) MemoryUsed() int64 {
	s.mu.Lock()
	frame := s.frame
	s.mu.Unlock()
	if frame == nil {
		return 0
	}
	return frame.Bytes()
}

// bind attaches the output frame and the preemption hook once the runner
// has built them. Until bind runs, Terminate can only mark the session.
func (s *Session) bind(frame *canvas.Frame, cancel func()) {
	s.mu.Lock()
	s.frame = frame
	s.cancel = cancel
	s.mu.Unlock()
}

// Elapsed reports wall time spent in Running.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	started, ended := s.StartedAt, s.endedAt
	s.mu.Unlock()
	if started.IsZero() {
		return 0
	}
	if !ended.IsZero() {
		return ended.Sub(started)
	}
	return time.Since(started)
}

/// Terminate marks the session Terminated and signals the runner to preempt
// the interpreter. It never touches the Lua state itself: the runner
// goroutine owns it and closes it once the VM has actually unwound.
// Idempotent and reachable from every state, including by forced external
// termination before the session ever ran.
func (s *Session) Terminate() {
	s.terminate.Do(func() {
		s.mu.Lock()
		// Forced termination before a natural outcome leaves no terminal
		// outcome; Outcome then reports Terminated itself.
		if s.endedAt.IsZero() {
			s.endedAt = time.Now()
		}
		s.state = StateTerminated
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		log.Debug().
			Str("session_id", s.ID).
			Str("candidate_id", s.CandidateID).
			Msg("session terminated")
	})
}
