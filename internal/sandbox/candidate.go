package sandbox

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"safe-sketch-sandbox/pkg/capset"
)

// Candidate is one piece of generated sketch code awaiting admission.
// Immutable once created; the generation collaborator produces it, the
// validation pipeline judges it, and only then may a session run it.
type Candidate struct {
	ID            string
	Source        string
	RequestedCaps []capset.OperationID
	Level         capset.SecurityLevel
	CodeHash      string
	CreatedAt     time.Time
}

// NewCandidate wraps source text into a candidate with a fresh id and a
// content hash for audit correlation.
func NewCandidate(source string, level capset.SecurityLevel, caps []capset.OperationID) *Candidate {
	return &Candidate{
		ID:            uuid.New().String(),
		Source:        source,
		RequestedCaps: caps,
		Level:         level,
		CodeHash:      fmt.Sprintf("%x", sha256.Sum256([]byte(source))),
		CreatedAt:     time.Now(),
	}
}

// Seed derives a deterministic randomness seed from the code hash so the
// same candidate replays identically.
func (c *Candidate) Seed() int64 {
	sum := sha256.Sum256([]byte(c.Source))
	return int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- wraparound is fine for a seed
}
