package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/pkg/capset"
)

func newTestBoundary(t *testing.T, profile capset.Profile, maxBytes int64) *Boundary {
	t.Helper()
	frame := canvas.NewFrame(400, 400, maxBytes)
	b := NewBoundary(nil, profile, canvas.NewSurface(frame, 1))
	t.Cleanup(b.Close)
	return b
}

func TestBoundaryDrawsToFrame(t *testing.T) {
	frame := canvas.NewFrame(400, 400, 1<<20)
	b := NewBoundary(nil, capset.StrictProfile(), canvas.NewSurface(frame, 1))
	defer b.Close()

	err := b.Load(`
		function setup() background(255, 255, 255) end
		function draw() rect(10, 20, 30, 40) end
	`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !b.HasEntry("setup") || !b.HasEntry("draw") {
		t.Fatal("entry points not defined")
	}
	if err := b.CallEntry("setup"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := b.CallEntry("draw"); err != nil {
		t.Fatalf("draw: %v", err)
	}

	ops := frame.Ops()
	if len(ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(ops))
	}
	if ops[1].Name != "rect" || ops[1].Args[0] != 10 {
		t.Errorf("unexpected op: %+v", ops[1])
	}
}

func TestBoundaryHoneypotGlobal(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	err := b.Load(`fetch("http://evil.example")`)
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("err = %v, want ErrViolation", err)
	}

	violations := b.Violations()
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	v := violations[0]
	if v.Op != capset.OpNetFetch || v.Origin != monitor.OriginBoundary {
		t.Errorf("unexpected violation: %+v", v)
	}
	if len(b.Violations()) != 0 {
		t.Error("second drain returned violations")
	}
}

func TestBoundaryHoneypotModuleField(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	err := b.Load(`http.get("http://evil.example")`)
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("err = %v, want ErrViolation", err)
	}
	violations := b.Violations()
	if len(violations) != 1 || violations[0].Op != capset.OpNetFetch {
		t.Fatalf("unexpected violations: %+v", violations)
	}
}

func TestBoundaryViolationSwallowedByPcall(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	err := b.Load(`function draw() pcall(function() storage.get("k") end) end`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// The sketch hides the trap error behind pcall; the boundary still
	// fails the call because a violation was recorded.
	err = b.CallEntry("draw")
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("err = %v, want ErrViolation", err)
	}
}

func TestBoundaryStrippedBuiltins(t *testing.T) {
	for _, src := range []string{
		`dofile("/etc/passwd")`,
		`loadstring("return 1")()`,
		`require("os")`,
	} {
		b := newTestBoundary(t, capset.StrictProfile(), 1<<20)
		err := b.Load(src)
		if !errors.Is(err, ErrCrashed) {
			t.Errorf("%s: err = %v, want ErrCrashed", src, err)
		}
	}
}

func TestBoundaryLoadSyntaxError(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	err := b.Load(`function draw( end`)
	if !errors.Is(err, ErrCrashed) {
		t.Fatalf("err = %v, want ErrCrashed", err)
	}
}

func TestBoundaryRuntimeCrash(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	if err := b.Load(`function draw() error("boom") end`); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := b.CallEntry("draw")
	if !errors.Is(err, ErrCrashed) {
		t.Fatalf("err = %v, want ErrCrashed", err)
	}
}

func TestBoundaryMissingEntry(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	if err := b.Load(`local x = 1`); err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.HasEntry("draw") {
		t.Fatal("HasEntry reported an undefined function")
	}
	if err := b.CallEntry("draw"); !errors.Is(err, ErrCrashed) {
		t.Fatalf("err = %v, want ErrCrashed", err)
	}
}

func TestBoundaryOutputBudgetOverflow(t *testing.T) {
	frame := canvas.NewFrame(400, 400, 256)
	b := NewBoundary(nil, capset.StrictProfile(), canvas.NewSurface(frame, 1))
	defer b.Close()

	err := b.Load(`for i = 1, 100 do rect(i, i, 10, 10) end`)
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("err = %v, want ErrViolation", err)
	}
	violations := b.Violations()
	if len(violations) != 1 || violations[0].Cause != "memory" {
		t.Fatalf("unexpected violations: %+v", violations)
	}
	if frame.Bytes() > 256 {
		t.Errorf("frame bytes %d exceed budget", frame.Bytes())
	}
}

func TestBoundaryContextPreemption(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b.Bind(ctx)

	err := b.Load(`while true do end`)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestBoundaryCloseIdempotent(t *testing.T) {
	b := newTestBoundary(t, capset.StrictProfile(), 1<<20)
	b.Close()
	b.Close()
}
