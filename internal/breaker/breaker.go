// Package breaker guards calls to the upstream sketch generation service.
// Repeated failures open the circuit so a struggling upstream is not
// hammered while it recovers.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned without calling upstream while the circuit is open.
var ErrOpen = errors.New("circuit open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Clock abstracts time so tests drive the open->half_open transition
// without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config tunes the breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe call
	// is allowed through.
	ResetTimeout time.Duration
	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold int
	// HalfOpenMaxCalls caps how many probe calls may be admitted per
	// half-open episode; further calls fail with ErrOpen. Defaults to
	// SuccessThreshold.
	HalfOpenMaxCalls int
	// OnStateChange, if set, observes every transition.
	OnStateChange func(from, to State)
	// Clock defaults to the wall clock.
	Clock Clock
}

// DefaultConfig matches the generation service's failure profile: open
// after five consecutive errors, probe after thirty seconds, close after
// two good probes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg   Config
	clock Clock

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	generation    uint64
}

// New builds a closed breaker, filling zero config fields with defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = cfg.SuccessThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Breaker{cfg: cfg, clock: cfg.Clock, state: StateClosed}
}

// Do runs fn if the circuit allows it and feeds the outcome back into the
// state machine. Context errors count as failures like any other.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.beforeCall()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.afterCall(gen, callErr == nil)
	return callErr
}

// State reports the current position, applying the open->half_open
// transition if the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Reset forces the breaker closed. Operator escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()
	switch b.state {
	case StateOpen:
		return 0, ErrOpen
	case StateHalfOpen:
		// Half-open means probing, not a stampede: admit only enough
		// concurrent calls to close the circuit.
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return 0, ErrOpen
		}
		b.halfOpenCalls++
	}
	return b.generation, nil
}

// afterCall applies a call outcome. A stale generation (the breaker
// transitioned while the call was in flight) is discarded so a slow
// pre-open call cannot corrupt half-open accounting.
func (b *Breaker) afterCall(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	if success {
		b.onSuccessLocked()
	} else {
		b.onFailureLocked()
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) onFailureLocked() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// One bad probe reopens immediately.
		b.transitionLocked(StateOpen)
	}
}

// refreshLocked moves open to half_open once the reset timeout elapses.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		b.failures = 0
		b.successes = 0
		b.halfOpenCalls = 0
		return
	}

	b.state = to
	b.generation++
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	if to == StateOpen {
		b.openedAt = b.clock.Now()
	}

	log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
