package sandbox

import (
	"fmt"
	"time"
)

// SessionLimits bounds one sandbox session. All limits are enforced by the
// watchdog from outside the boundary; sketch code cannot loosen them.
type SessionLimits struct {
	MaxExecution   time.Duration `json:"max_execution"`
	MaxMemoryBytes int64         `json:"max_memory_bytes"` // display-list + print output budget
	MaxFrames      int           `json:"max_frames"`       // draw() iterations per execution
}

// DefaultLimits suits an interactive editing session.
func DefaultLimits() SessionLimits {
	return SessionLimits{
		MaxExecution:   2 * time.Second,
		MaxMemoryBytes: 4 << 20, // 4MB
		MaxFrames:      60,
	}
}

// SmokeLimits bounds the validation pipeline's trial run: short enough that
// a hostile candidate cannot stall the pipeline.
func SmokeLimits() SessionLimits {
	return SessionLimits{
		MaxExecution:   250 * time.Millisecond,
		MaxMemoryBytes: 64 << 10, // 64KB
		MaxFrames:      1,
	}
}

func (l SessionLimits) Validate() error {
	if l.MaxExecution < 50*time.Millisecond || l.MaxExecution > 30*time.Second {
		return fmt.Errorf("%w: max_execution must be 50ms-30s, got %s", ErrInvalidRequest, l.MaxExecution)
	}
	if l.MaxMemoryBytes < 4<<10 || l.MaxMemoryBytes > 64<<20 {
		return fmt.Errorf("%w: max_memory_bytes must be 4KB-64MB, got %d", ErrInvalidRequest, l.MaxMemoryBytes)
	}
	if l.MaxFrames < 1 || l.MaxFrames > 10000 {
		return fmt.Errorf("%w: max_frames must be 1-10000, got %d", ErrInvalidRequest, l.MaxFrames)
	}
	return nil
}
