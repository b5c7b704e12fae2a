// Package monitor classifies raw violations into typed, severity-ranked
// security events and keeps the observability surface (metrics, tracing)
// for the sandbox system.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/pkg/capset"
)

// EventType classifies what a violation was about.
type EventType string

const (
	EventAPIAccess    EventType = "api_access"
	EventMemoryLimit  EventType = "memory_limit"
	EventExecTimeout  EventType = "execution_timeout"
	EventInfiniteLoop EventType = "infinite_loop"
	EventDOMAccess    EventType = "dom_access"
	EventOther        EventType = "other"
)

// Severity ranks how bad an event is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ViolationOrigin says which part of the system observed the violation.
type ViolationOrigin string

const (
	OriginValidator ViolationOrigin = "validator"
	OriginBoundary  ViolationOrigin = "boundary"
	OriginWatchdog  ViolationOrigin = "watchdog"
)

// RawViolation is what validators, the boundary, and the watchdog report
// before classification.
type RawViolation struct {
	SessionID   string
	CandidateID string
	Origin      ViolationOrigin
	Op          capset.OperationID // capability involved, if any
	Cause       string             // terminal cause for watchdog/boundary reports
	Detail      string
}

// Event is a classified security event. Deduplicated repeats bump Count
// and may raise Severity; everything else is fixed at creation.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  string    `json:"severity"`
	SessionID string    `json:"session_id"`
	Details   string    `json:"details"`
	Count     int       `json:"count"` // >1 when deduplicated
	Timestamp time.Time `json:"timestamp"`
}

// Classifier maps raw violations to typed events using a fixed table, with
// escalation for repeated API reaches from the same candidate.
type Classifier struct {
	escalateWindow time.Duration
	escalateCount  int

	mu      sync.Mutex
	reaches map[string][]time.Time // candidateID -> recent api_access times
	now     func() time.Time
}

// NewClassifier builds a classifier with the default escalation policy:
// three api_access violations from the same candidate inside ten seconds
// escalate to critical.
func NewClassifier() *Classifier {
	return &Classifier{
		escalateWindow: 10 * time.Second,
		escalateCount:  3,
		reaches:        make(map[string][]time.Time),
		now:            time.Now,
	}
}

// Classify converts a raw violation into an Event.
func (c *Classifier) Classify(raw RawViolation) Event {
	typ, sev := c.table(raw)

	if typ == EventAPIAccess && c.escalated(raw.CandidateID) {
		sev = SeverityCritical
	}

	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  sev.String(),
		SessionID: raw.SessionID,
		Details:   raw.Detail,
		Count:     1,
		Timestamp: c.now(),
	}
}

func (c *Classifier) table(raw RawViolation) (EventType, Severity) {
	switch raw.Cause {
	case "timeout":
		return EventExecTimeout, SeverityMedium
	case "infinite_loop":
		return EventInfiniteLoop, SeverityMedium
	case "memory":
		return EventMemoryLimit, SeverityMedium
	}

	switch raw.Op {
	case capset.OpHostParent, capset.OpNavNavigate:
		return EventDOMAccess, SeverityHigh
	case capset.OpNetFetch, capset.OpNetSocket,
		capset.OpStorageRead, capset.OpStorageWrite:
		return EventAPIAccess, SeverityHigh
	}

	if raw.Op != "" {
		return EventAPIAccess, SeverityMedium
	}
	return EventOther, SeverityLow
}

// escalated records an api_access reach and reports whether the candidate
// crossed the escalation threshold inside the window.
func (c *Classifier) escalated(candidateID string) bool {
	if candidateID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-c.escalateWindow)

	recent := c.reaches[candidateID][:0]
	for _, ts := range c.reaches[candidateID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	c.reaches[candidateID] = recent

	return len(recent) >= c.escalateCount
}

// Sink receives classified events for external aggregation.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Recorder is the append-only security event log. Identical event types
// from the same session inside the dedup window collapse into one record
// with a count, so a tight violation loop cannot flood the log.
type Recorder struct {
	classifier *Classifier
	sink       Sink
	window     time.Duration

	mu     sync.Mutex
	events []Event
	recent map[string]int // session|type -> index into events
	now    func() time.Time
}

// NewRecorder builds a recorder forwarding to sink. A nil sink keeps events
// in memory only.
func NewRecorder(classifier *Classifier, sink Sink) *Recorder {
	return &Recorder{
		classifier: classifier,
		sink:       sink,
		window:     2 * time.Second,
		recent:     make(map[string]int),
		now:        time.Now,
	}
}

// Record classifies and appends a raw violation, returning the event that
// was recorded (or whose count was bumped).
func (r *Recorder) Record(raw RawViolation) Event {
	event := r.classifier.Classify(raw)

	r.mu.Lock()
	key := event.SessionID + "|" + string(event.Type)
	if idx, ok := r.recent[key]; ok {
		prev := &r.events[idx]
		if r.now().Sub(prev.Timestamp) < r.window {
			prev.Count++
			// A repeat that classified worse (escalation kicked in) must
			// raise the collapsed record, not vanish into the count.
			escalated := severityRank(event.Severity) > severityRank(prev.Severity)
			if escalated {
				prev.Severity = event.Severity
			}
			event = *prev
			r.mu.Unlock()

			if escalated {
				log.Warn().
					Str("event_id", event.ID).
					Str("type", string(event.Type)).
					Str("severity", event.Severity).
					Str("session_id", event.SessionID).
					Msg("security event escalated")
				if r.sink != nil {
					r.sink.Emit(event)
				}
			}
			return event
		}
	}
	r.events = append(r.events, event)
	r.recent[key] = len(r.events) - 1
	r.mu.Unlock()

	log.Warn().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("severity", event.Severity).
		Str("session_id", event.SessionID).
		Msg("security event recorded")

	if r.sink != nil {
		r.sink.Emit(event)
	}
	return event
}

// severityRank orders severity strings for escalation comparisons.
func severityRank(s string) int {
	switch s {
	case SeverityCritical.String():
		return 3
	case SeverityHigh.String():
		return 2
	case SeverityMedium.String():
		return 1
	default:
		return 0
	}
}

// Events returns a snapshot of the recorded log, newest last.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
