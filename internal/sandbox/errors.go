package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("execution timed out")
	ErrMemoryLimit    = errors.New("memory limit exceeded")
	ErrViolation      = errors.New("capability violation detected")
	ErrCrashed        = errors.New("sketch crashed")
	ErrCanceled       = errors.New("session canceled")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrRunnerClosed   = errors.New("runner is shut down")
)

// SessionError wraps errors with session context.
type SessionError struct {
	SessionID string
	Op        string // the operation that failed
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
