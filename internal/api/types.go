package api

import (
	"time"

	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/internal/validate"
)

// SketchRequest asks the service to generate, validate, and run a sketch
// from a prompt in one round trip.
type SketchRequest struct {
	Prompt string  `json:"prompt"`
	Level  string  `json:"security_level,omitempty"` // strict, moderate, relaxed
	Limits *Limits `json:"limits,omitempty"`
}

// ValidateRequest submits already-written sketch code for admission only.
type ValidateRequest struct {
	Code  string `json:"code"`
	Level string `json:"security_level,omitempty"`
}

// ExecuteRequest runs sketch code that the caller already holds. The code
// still goes through the full validation pipeline first.
type ExecuteRequest struct {
	Code  string  `json:"code"`
	Level string  `json:"security_level,omitempty"`
	Limit *Limits `json:"limits,omitempty"`
}

// Limits overrides per-session resource ceilings.
type Limits struct {
	MaxExecution   Duration `json:"max_execution,omitempty"`
	MaxMemoryBytes int64    `json:"max_memory_bytes,omitempty"`
	MaxFrames      int      `json:"max_frames,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "2s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ValidateResponse reports the pipeline's verdicts.
type ValidateResponse struct {
	CandidateID string            `json:"candidate_id"`
	Admitted    bool              `json:"admitted"`
	Results     []validate.Result `json:"results"`
}

// ExecuteResponse is the outcome of one sandbox session.
type ExecuteResponse struct {
	SessionID     string          `json:"session_id"`
	CandidateID   string          `json:"candidate_id"`
	Success       bool            `json:"success"`
	Outcome       string          `json:"outcome"`
	DisplayList   []canvas.Op     `json:"display_list,omitempty"`
	PrintOutput   string          `json:"print_output,omitempty"`
	Duration      string          `json:"duration"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
	Violations    []monitor.Event `json:"violations,omitempty"`
}

// SketchResponse is the full pipeline outcome: generated code plus its
// validation verdicts and, when admitted, the execution result.
type SketchResponse struct {
	CandidateID string            `json:"candidate_id"`
	Code        string            `json:"code"`
	Admitted    bool              `json:"admitted"`
	Validation  []validate.Result `json:"validation"`
	Execution   *ExecuteResponse  `json:"execution,omitempty"`
}

// ResourceUsage reports measured consumption.
type ResourceUsage struct {
	OutputBytes int64 `json:"output_bytes"`
	FramesDrawn int64 `json:"frames_drawn"`
	DrawOps     int   `json:"draw_ops"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Database       bool   `json:"database"`
	ActiveSessions int    `json:"active_sessions"`
	BreakerState   string `json:"generation_breaker"`
	Uptime         string `json:"uptime"`
}

func executeResponse(res *sandbox.ExecutionResult) *ExecuteResponse {
	return &ExecuteResponse{
		SessionID:   res.SessionID,
		CandidateID: res.CandidateID,
		Success:     res.Success,
		Outcome:     res.Outcome,
		DisplayList: res.DisplayList,
		PrintOutput: res.PrintOutput,
		Duration:    (time.Duration(res.ExecutionMS) * time.Millisecond).String(),
		ResourceUsage: ResourceUsage{
			OutputBytes: res.ResourceUsage.OutputBytes,
			FramesDrawn: res.ResourceUsage.FramesDrawn,
			DrawOps:     res.ResourceUsage.DrawOps,
		},
		Violations: res.Violations,
	}
}
