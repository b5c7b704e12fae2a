package sandbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/monitor"
)

// preemptCause is what the watchdog decided when it fired. The runner reads
// it after the boundary aborts to pick the terminal state.
type preemptCause int32

const (
	preemptNone preemptCause = iota
	preemptTimeout
	preemptMemory
	preemptCancel
)

// Watchdog supervises one running session from outside the boundary. It
// samples elapsed time and memory at a fixed interval and, on the first
// sample over a limit, cancels the boundary's context. Termination never
// depends on the sketch yielding; the VM observes the cancellation between
// instructions.
type Watchdog struct {
	session  *Session
	interval time.Duration
	preempt  func(preemptCause)

	done chan struct{}
	stop sync.Once
}

// NewWatchdog wires a watchdog to a session. preempt is called at most once,
// from the watchdog goroutine, before the context is cancelled.
func NewWatchdog(session *Session, interval time.Duration, preempt func(preemptCause)) *Watchdog {
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	return &Watchdog{
		session:  session,
		interval: interval,
		preempt:  preempt,
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop ends sampling when the session reaches a terminal state naturally.
// Idempotent.
func (w *Watchdog) Stop() {
	w.stop.Do(func() { close(w.done) })
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	limits := w.session.Limits
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if elapsed := w.session.Elapsed(); elapsed > limits.MaxExecution {
				w.fire(preemptTimeout, monitor.RawViolation{
					Origin: monitor.OriginWatchdog,
					Cause:  "timeout",
					Detail: "execution exceeded " + limits.MaxExecution.String(),
				})
				return
			}
			if used := w.session.MemoryUsed(); used > limits.MaxMemoryBytes {
				w.fire(preemptMemory, monitor.RawViolation{
					Origin: monitor.OriginWatchdog,
					Cause:  "memory",
					Detail: "sketch output exceeded memory budget",
				})
				return
			}
		}
	}
}

func (w *Watchdog) fire(cause preemptCause, v monitor.RawViolation) {
	w.session.recordViolation(v)

	log.Warn().
		Str("session_id", w.session.ID).
		Str("cause", v.Cause).
		Dur("elapsed", w.session.Elapsed()).
		Msg("watchdog preempting session")

	w.preempt(cause)
}
