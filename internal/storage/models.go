package storage

import (
	"time"

	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/internal/sandbox"
)

// ExecutionRecord is the audit row for one sandbox session.
type ExecutionRecord struct {
	ID             string     `json:"id" db:"id"`
	CandidateID    string     `json:"candidate_id" db:"candidate_id"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	SecurityLevel  string     `json:"security_level" db:"security_level"`
	Outcome        string     `json:"outcome" db:"outcome"`
	ExecutionMS    int64      `json:"execution_ms" db:"execution_ms"`
	OutputBytes    int64      `json:"output_bytes" db:"output_bytes"`
	FramesDrawn    int        `json:"frames_drawn" db:"frames_drawn"`
	DrawOps        int        `json:"draw_ops" db:"draw_ops"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	PrintOutput    string     `json:"print_output,omitempty" db:"print_output"`
	RequestIP      string     `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores one classified security event for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	CandidateID string    `json:"candidate_id" db:"candidate_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Operation   string    `json:"operation,omitempty" db:"operation"`
	Detail      string    `json:"detail" db:"detail"`
	Count       int       `json:"count" db:"count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Outcome       string
	SecurityLevel string
	Since         *time.Time
	Limit         int
	Offset        int
}

// RecordFromResult flattens a session result into its audit row.
func RecordFromResult(res *sandbox.ExecutionResult, cand *sandbox.Candidate, requestIP string) *ExecutionRecord {
	now := time.Now()
	return &ExecutionRecord{
		ID:             res.SessionID,
		CandidateID:    res.CandidateID,
		CodeHash:       cand.CodeHash,
		SecurityLevel:  string(cand.Level),
		Outcome:        res.Outcome,
		ExecutionMS:    res.ExecutionMS,
		OutputBytes:    res.ResourceUsage.OutputBytes,
		FramesDrawn:    int(res.ResourceUsage.FramesDrawn),
		DrawOps:        res.ResourceUsage.DrawOps,
		SecurityEvents: len(res.Violations),
		PrintOutput:    res.PrintOutput,
		RequestIP:      requestIP,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
}

// RecordFromEvent flattens a classified event, including its dedup count.
func RecordFromEvent(ev monitor.Event, candidateID string) *SecurityEventRecord {
	return &SecurityEventRecord{
		ID:          ev.ID,
		SessionID:   ev.SessionID,
		CandidateID: candidateID,
		Type:        string(ev.Type),
		Severity:    ev.Severity,
		Detail:      ev.Details,
		Count:       ev.Count,
		CreatedAt:   ev.Timestamp,
	}
}
