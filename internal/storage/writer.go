package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/monitor"
)

// entry is one queued audit write. Exactly one of the fields is set.
type entry struct {
	exec  *ExecutionRecord
	event *SecurityEventRecord
}

// AuditWriter decouples sandbox sessions from the database: writes queue
// into a bounded buffer and a single goroutine drains it with retries.
// When the buffer is full the entry is dropped and logged rather than
// blocking a session.
type AuditWriter struct {
	db   *DB
	ch   chan entry
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan entry, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogExecution queues a session row.
func (w *AuditWriter) LogExecution(rec *ExecutionRecord) {
	select {
	case w.ch <- entry{exec: rec}:
	default:
		log.Warn().Str("session_id", rec.ID).Msg("audit buffer full, dropping execution record")
	}
}

// LogEvent queues a security event row.
func (w *AuditWriter) LogEvent(rec *SecurityEventRecord) {
	select {
	case w.ch <- entry{event: rec}:
	default:
		log.Warn().Str("session_id", rec.SessionID).Msg("audit buffer full, dropping security event")
	}
}

// EventSink adapts the writer to the security event log, so every
// classified event lands in the audit trail as it is recorded.
func (w *AuditWriter) EventSink() monitor.Sink {
	return monitor.SinkFunc(func(ev monitor.Event) {
		w.LogEvent(RecordFromEvent(ev, ""))
	})
}

// Flush stops intake and waits for the buffer to drain, up to timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(e entry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.write(ctx, e)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Msg("audit write failed permanently after retries")
		}
	}
}

func (w *AuditWriter) write(ctx context.Context, e entry) error {
	if e.exec != nil {
		return w.db.LogExecution(ctx, e.exec)
	}
	return w.db.LogSecurityEvent(ctx, e.event)
}
