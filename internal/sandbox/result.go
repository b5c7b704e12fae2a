package sandbox

import (
	"safe-sketch-sandbox/internal/canvas"
	"safe-sketch-sandbox/internal/monitor"
)

// ResourceUsage reports what a session actually consumed.
type ResourceUsage struct {
	OutputBytes int64 `json:"output_bytes"`
	FramesDrawn int64 `json:"frames_drawn"`
	DrawOps     int   `json:"draw_ops"`
}

// ExecutionResult is produced exactly once per session, at termination.
type ExecutionResult struct {
	SessionID     string          `json:"session_id"`
	CandidateID   string          `json:"candidate_id"`
	Success       bool            `json:"success"`
	Outcome       string          `json:"outcome"`
	DisplayList   []canvas.Op     `json:"display_list,omitempty"`
	PrintOutput   string          `json:"print_output,omitempty"`
	ExecutionMS   int64           `json:"execution_ms"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
	Violations    []monitor.Event `json:"violations,omitempty"`
}

// newResult snapshots a finished session into its one ExecutionResult.
func newResult(s *Session, frame *canvas.Frame, events []monitor.Event) *ExecutionResult {
	outcome := s.Outcome()

	res := &ExecutionResult{
		SessionID:   s.ID,
		CandidateID: s.CandidateID,
		Success:     outcome == StateCompleted,
		Outcome:     outcome.String(),
		ExecutionMS: s.Elapsed().Milliseconds(),
		Violations:  events,
	}
	if frame != nil {
		res.DisplayList = frame.Ops()
		res.PrintOutput = frame.PrintOutput()
		res.ResourceUsage = ResourceUsage{
			OutputBytes: frame.Bytes(),
			FramesDrawn: frame.FrameCount(),
			DrawOps:     len(frame.Ops()),
		}
	}
	return res
}
