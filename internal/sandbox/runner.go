package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/pkg/capset"
)

// Engine is the execution seam the API layer and the validation pipeline
// talk to.
type Engine interface {
	Execute(ctx context.Context, cand *Candidate, profile capset.Profile, limits SessionLimits) (*ExecutionResult, error)
	Cancel(sessionID string) bool
	Close() error
}

// RunnerConfig tunes the runner.
type RunnerConfig struct {
	MaxConcurrent    int
	WatchdogInterval time.Duration
	CanvasWidth      int
	CanvasHeight     int
}

// Runner executes admitted candidates in isolated sessions, one watchdog
// per session. Sessions are independent; the only shared state is the
// semaphore and the session registry used for external cancellation.
type Runner struct {
	cfg    RunnerConfig
	pool   *Pool
	events *monitor.Recorder

	sem      chan struct{}
	active   atomic.Int64
	sessions sync.Map // session id -> *Session
	closed   atomic.Bool
}

// NewRunner creates a runner. pool may be nil; states are then built inline.
func NewRunner(cfg RunnerConfig, pool *Pool, events *monitor.Recorder) *Runner {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 64
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 25 * time.Millisecond
	}
	if cfg.CanvasWidth <= 0 {
		cfg.CanvasWidth = 400
	}
	if cfg.CanvasHeight <= 0 {
		cfg.CanvasHeight = 400
	}

	return &Runner{
		cfg:    cfg,
		pool:   pool,
		events: events,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Execute runs an admitted candidate to its terminal state and returns the
// session's one ExecutionResult. The returned error carries the failure
// taxonomy (ErrTimeout, ErrViolation, ErrMemoryLimit, ErrCrashed,
// ErrCanceled); result is non-nil in all of those cases.
func (r *Runner) Execute(ctx context.Context, cand *Candidate, profile capset.Profile, limits SessionLimits) (*ExecutionResult, error) {
	if r.closed.Load() {
		return nil, ErrRunnerClosed
	}
	if cand == nil || cand.Source == "" {
		return nil, ErrInvalidRequest
	}
	if limits == (SessionLimits{}) {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &SessionError{Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	session := NewSession(cand.ID, limits)
	r.sessions.Store(session.ID, session)
	defer r.sessions.Delete(session.ID)
	defer session.Terminate()

	// Candidates normally arrive through NewCandidate with a full sha256
	// hex hash; don't assume that when logging.
	hash := cand.CodeHash
	if len(hash) > 16 {
		hash = hash[:16]
	}
	logger := log.With().
		Str("session_id", session.ID).
		Str("candidate_id", cand.ID).
		Str("code_hash", hash).
		Logger()
	logger.Info().Msg("session created")

	// Initializing: build the boundary with zero ambient authority.
	if !session.advance(StateInitializing) {
		return newResult(session, nil, nil), ErrCanceled
	}

	frame := canvas.NewFrame(r.cfg.CanvasWidth, r.cfg.CanvasHeight, limits.MaxMemoryBytes)
	surface := canvas.NewSurface(frame, cand.Seed())

	var base *lua.LState
	if r.pool != nil {
		base = r.pool.Acquire()
	}
	boundary := NewBoundary(base, profile, surface)
	// This goroutine owns the interpreter. External termination only
	// signals execCtx; the state is closed here, after the VM has unwound.
	defer boundary.Close()

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var cause atomic.Int32
	preempt := func(c preemptCause) {
		cause.CompareAndSwap(int32(preemptNone), int32(c))
		cancelExec()
	}
	session.bind(frame, func() { preempt(preemptCancel) })
	boundary.Bind(execCtx)

	if !session.advance(StateRunning) {
		return newResult(session, frame, nil), ErrCanceled
	}

	watchdog := NewWatchdog(session, r.cfg.WatchdogInterval, preempt)
	watchdog.Start()
	defer watchdog.Stop()

	runErr := r.runSketch(execCtx, boundary, frame, cand.Source, limits)

	// Merge what the boundary saw with what the watchdog recorded.
	for _, v := range boundary.Violations() {
		session.recordViolation(v)
	}

	outcome, resultErr := r.settle(runErr, preemptCause(cause.Load()))
	session.finish(outcome)
	watchdog.Stop()

	events := r.recordEvents(session)
	result := newResult(session, frame, events)
	session.Terminate()

	logger.Info().
		Str("outcome", result.Outcome).
		Int64("execution_ms", result.ExecutionMS).
		Int("violations", len(events)).
		Msg("session finished")

	return result, resultErr
}

// runSketch loads the chunk, runs setup once, then the per-frame loop.
func (r *Runner) runSketch(ctx context.Context, boundary *Boundary, frame *canvas.Frame, source string, limits SessionLimits) error {
	if err := boundary.Load(source); err != nil {
		return err
	}
	if err := boundary.CallEntry("setup"); err != nil {
		return err
	}

	for range limits.MaxFrames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame.AdvanceFrame()
		if err := boundary.CallEntry("draw"); err != nil {
			return err
		}
	}
	return nil
}

// settle maps the run error and watchdog cause to the terminal state and the
// error surfaced to the caller.
func (r *Runner) settle(runErr error, cause preemptCause) (State, error) {
	if runErr == nil {
		return StateCompleted, nil
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		switch cause {
		case preemptTimeout:
			return StateTimedOut, ErrTimeout
		case preemptMemory:
			return StateViolation, ErrMemoryLimit
		case preemptCancel:
			return StateCrashed, ErrCanceled
		default:
			// The caller's own context expired.
			return StateTimedOut, ErrTimeout
		}
	}

	if errors.Is(runErr, ErrViolation) {
		return StateViolation, runErr
	}
	return StateCrashed, runErr
}

// recordEvents classifies and appends the session's raw violations,
// returning the deduplicated events that belong to its result.
func (r *Runner) recordEvents(session *Session) []monitor.Event {
	raws := session.Violations()
	if len(raws) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var events []monitor.Event
	for _, raw := range raws {
		event := r.events.Record(raw)
		if _, ok := seen[event.ID]; ok {
			continue
		}
		seen[event.ID] = struct{}{}
		events = append(events, event)
	}
	return events
}

// Cancel forces a session to Terminated, releasing its resources on all
// paths. Returns false if no such session is active.
func (r *Runner) Cancel(sessionID string) bool {
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return false
	}
	session := v.(*Session)
	log.Info().Str("session_id", sessionID).Msg("session canceled externally")
	session.Terminate()
	return true
}

// ActiveCount returns the number of sessions currently executing.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close shuts the runner down; subsequent Execute calls fail fast.
func (r *Runner) Close() error {
	r.closed.Store(true)
	r.sessions.Range(func(_, v any) bool {
		v.(*Session).Terminate()
		return true
	})
	return nil
}
