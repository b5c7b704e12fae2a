package monitor

import (
	"testing"
	"time"

	"safe-sketch-sandbox/pkg/capset"
)

func TestClassifierTable(t *testing.T) {
	tests := []struct {
		name     string
		raw      RawViolation
		wantType EventType
		wantSev  string
	}{
		{
			name:     "timeout cause",
			raw:      RawViolation{Origin: OriginWatchdog, Cause: "timeout"},
			wantType: EventExecTimeout,
			wantSev:  "medium",
		},
		{
			name:     "infinite loop cause",
			raw:      RawViolation{Origin: OriginWatchdog, Cause: "infinite_loop"},
			wantType: EventInfiniteLoop,
			wantSev:  "medium",
		},
		{
			name:     "memory cause",
			raw:      RawViolation{Origin: OriginWatchdog, Cause: "memory"},
			wantType: EventMemoryLimit,
			wantSev:  "medium",
		},
		{
			name:     "parent frame reach",
			raw:      RawViolation{Origin: OriginBoundary, Op: capset.OpHostParent},
			wantType: EventDOMAccess,
			wantSev:  "high",
		},
		{
			name:     "network reach",
			raw:      RawViolation{Origin: OriginBoundary, Op: capset.OpNetFetch},
			wantType: EventAPIAccess,
			wantSev:  "high",
		},
		{
			name:     "storage reach",
			raw:      RawViolation{Origin: OriginBoundary, Op: capset.OpStorageWrite},
			wantType: EventAPIAccess,
			wantSev:  "high",
		},
		{
			name:     "ungranted canvas op",
			raw:      RawViolation{Origin: OriginValidator, Op: capset.OpCanvasText},
			wantType: EventAPIAccess,
			wantSev:  "medium",
		},
		{
			name:     "no cause no op",
			raw:      RawViolation{Origin: OriginBoundary, Detail: "odd"},
			wantType: EventOther,
			wantSev:  "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClassifier()
			ev := c.Classify(tc.raw)
			if ev.Type != tc.wantType {
				t.Errorf("type = %s, want %s", ev.Type, tc.wantType)
			}
			if ev.Severity != tc.wantSev {
				t.Errorf("severity = %s, want %s", ev.Severity, tc.wantSev)
			}
			if ev.ID == "" || ev.Count != 1 {
				t.Errorf("malformed event: %+v", ev)
			}
		})
	}
}

func TestClassifierEscalation(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewClassifier()
	c.now = func() time.Time { return now }

	raw := RawViolation{CandidateID: "cand-1", Op: capset.OpNetFetch}

	for i := 0; i < 2; i++ {
		if ev := c.Classify(raw); ev.Severity != "high" {
			t.Fatalf("reach %d severity = %s, want high", i+1, ev.Severity)
		}
		now = now.Add(time.Second)
	}

	// Third reach inside the ten second window escalates.
	if ev := c.Classify(raw); ev.Severity != "critical" {
		t.Fatalf("third reach severity = %s, want critical", ev.Severity)
	}

	// A different candidate is unaffected.
	other := RawViolation{CandidateID: "cand-2", Op: capset.OpNetFetch}
	if ev := c.Classify(other); ev.Severity != "high" {
		t.Fatalf("other candidate severity = %s, want high", ev.Severity)
	}
}

func TestClassifierEscalationWindowExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewClassifier()
	c.now = func() time.Time { return now }

	raw := RawViolation{CandidateID: "cand-1", Op: capset.OpNetFetch}

	c.Classify(raw)
	c.Classify(raw)

	// Old reaches age out; the third, late reach does not escalate.
	now = now.Add(11 * time.Second)
	if ev := c.Classify(raw); ev.Severity != "high" {
		t.Fatalf("late reach severity = %s, want high", ev.Severity)
	}
}

func TestRecorderDedup(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewClassifier()
	c.now = func() time.Time { return now }
	r := NewRecorder(c, nil)
	r.now = c.now

	raw := RawViolation{SessionID: "sess-1", Op: capset.OpNetFetch, Detail: "fetch"}

	first := r.Record(raw)
	now = now.Add(time.Second)
	second := r.Record(raw)

	if second.ID != first.ID {
		t.Fatal("duplicate inside window created a new event")
	}
	if second.Count != 2 {
		t.Fatalf("count = %d, want 2", second.Count)
	}
	if got := len(r.Events()); got != 1 {
		t.Fatalf("events = %d, want 1 deduplicated record", got)
	}

	// Outside the window a fresh record appears.
	now = now.Add(3 * time.Second)
	third := r.Record(raw)
	if third.ID == first.ID {
		t.Fatal("event outside dedup window was merged")
	}
	if got := len(r.Events()); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
}

func TestRecorderDedupRaisesEscalatedSeverity(t *testing.T) {
	var sunk []Event
	r := NewRecorder(NewClassifier(), SinkFunc(func(e Event) { sunk = append(sunk, e) }))

	// Three rapid reaches from the same candidate cross the escalation
	// threshold; the second and third land inside the dedup window.
	raw := RawViolation{SessionID: "sess-1", CandidateID: "cand-1", Op: capset.OpNetFetch, Detail: "fetch"}
	r.Record(raw)
	r.Record(raw)
	last := r.Record(raw)

	if last.Severity != SeverityCritical.String() {
		t.Fatalf("returned severity = %q, want critical", last.Severity)
	}
	events := r.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 deduplicated record", len(events))
	}
	if events[0].Severity != SeverityCritical.String() {
		t.Fatalf("recorded severity = %q, want critical after escalation", events[0].Severity)
	}
	if events[0].Count != 3 {
		t.Fatalf("count = %d, want 3", events[0].Count)
	}

	// The sink must observe the escalation, not just the first record.
	if len(sunk) < 2 {
		t.Fatalf("sink received %d events, want the escalated repeat too", len(sunk))
	}
	if got := sunk[len(sunk)-1].Severity; got != SeverityCritical.String() {
		t.Fatalf("last sink severity = %q, want critical", got)
	}
}

func TestRecorderDistinctTypesNotMerged(t *testing.T) {
	r := NewRecorder(NewClassifier(), nil)

	r.Record(RawViolation{SessionID: "sess-1", Op: capset.OpNetFetch})
	r.Record(RawViolation{SessionID: "sess-1", Cause: "timeout"})

	if got := len(r.Events()); got != 2 {
		t.Fatalf("events = %d, want 2 for distinct types", got)
	}
}

func TestRecorderForwardsToSink(t *testing.T) {
	var got []Event
	sink := SinkFunc(func(e Event) { got = append(got, e) })
	r := NewRecorder(NewClassifier(), sink)

	r.Record(RawViolation{SessionID: "sess-1", Op: capset.OpNetFetch})

	if len(got) != 1 {
		t.Fatalf("sink received %d events, want 1", len(got))
	}
	if got[0].Type != EventAPIAccess {
		t.Errorf("sink event type = %s", got[0].Type)
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatal("severity ranks out of order")
	}
	if SeverityCritical.String() != "critical" || SeverityLow.String() != "low" {
		t.Fatal("severity names wrong")
	}
}
