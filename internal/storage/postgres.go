// Package storage persists the audit trail: one row per sandbox session
// plus every classified security event. Execution never blocks on the
// database; writes go through the async AuditWriter.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts a session audit row.
func (db *DB) LogExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO executions (id, candidate_id, code_hash, security_level, outcome,
			execution_ms, output_bytes, frames_drawn, draw_ops, security_events,
			print_output, request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.CandidateID, rec.CodeHash, rec.SecurityLevel, rec.Outcome,
		rec.ExecutionMS, rec.OutputBytes, rec.FramesDrawn, rec.DrawOps,
		rec.SecurityEvents,
		truncateForDB(rec.PrintOutput, 65535),
		rec.RequestIP, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogSecurityEvent inserts a security event row.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, session_id, candidate_id, type, severity,
			operation, detail, count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.SessionID, event.CandidateID, event.Type, event.Severity,
		event.Operation, truncateForDB(event.Detail, 4096), event.Count, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// GetExecution retrieves one session row by id.
func (db *DB) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	query := `
		SELECT id, candidate_id, code_hash, security_level, outcome,
			execution_ms, output_bytes, frames_drawn, draw_ops, security_events,
			print_output, request_ip, created_at, completed_at
		FROM executions WHERE id = $1`

	var rec ExecutionRecord
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.CandidateID, &rec.CodeHash, &rec.SecurityLevel, &rec.Outcome,
		&rec.ExecutionMS, &rec.OutputBytes, &rec.FramesDrawn, &rec.DrawOps,
		&rec.SecurityEvents, &rec.PrintOutput, &rec.RequestIP,
		&rec.CreatedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &rec, nil
}

// ListExecutions queries session rows with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	query := `
		SELECT id, candidate_id, code_hash, security_level, outcome,
			execution_ms, output_bytes, frames_drawn, security_events,
			created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR outcome = $1)
		  AND ($2 = '' OR security_level = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Outcome, filter.SecurityLevel, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.CandidateID, &rec.CodeHash, &rec.SecurityLevel, &rec.Outcome,
			&rec.ExecutionMS, &rec.OutputBytes, &rec.FramesDrawn, &rec.SecurityEvents,
			&rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

// ListSecurityEvents returns recent events, newest first, optionally for a
// single session.
func (db *DB) ListSecurityEvents(ctx context.Context, sessionID string, limit int) ([]SecurityEventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, session_id, candidate_id, type, severity, operation, detail, count, created_at
		FROM security_events
		WHERE ($1 = '' OR session_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	var results []SecurityEventRecord
	for rows.Next() {
		var rec SecurityEventRecord
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.CandidateID, &rec.Type, &rec.Severity,
			&rec.Operation, &rec.Detail, &rec.Count, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning security event row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

// DeleteExecution removes a session row and its events. Backs the DELETE
// route for sessions that already finished.
func (db *DB) DeleteExecution(ctx context.Context, id string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM security_events WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("deleting security events for %s: %w", id, err)
	}
	tag, err := db.pool.Exec(ctx, `DELETE FROM executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not found", id)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
