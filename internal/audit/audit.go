// Package audit provides an async, buffered writer for the two audit
// record shapes this system produces: token-refresh outcomes (spec §4.H)
// and webhook dispatch outcomes (spec §4.J).
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single audit record. Kind determines which fields are
// meaningful: "refresh" uses InstanceID/UserID; "webhook" uses
// ExternalEventID/Gateway.
type Entry struct {
	Kind            string // "refresh" | "webhook"
	InstanceID      uuid.UUID
	UserID          uuid.UUID
	ExternalEventID string
	Gateway         string
	Operation       string
	Status          string
	Error           string
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush goroutine and returns immediately.
// The goroutine exits once ctx is cancelled or Close is called; Close waits
// for it.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "kind", entry.Kind, "operation", entry.Operation)
	}
}

// RecordRefresh implements tokenrefresh.AuditRecorder, per spec §4.H's
// audit requirement: "every refresh outcome and every re-auth-required
// emission produces an audit record".
func (w *Writer) RecordRefresh(instanceID, userID uuid.UUID, operation, status string, errDetail string) {
	w.Log(Entry{
		Kind: "refresh", InstanceID: instanceID, UserID: userID,
		Operation: operation, Status: status, Error: errDetail,
	})
}

// RecordWebhook records a webhook dispatch outcome, per spec §4.J.
func (w *Writer) RecordWebhook(externalEventID, gateway, eventType, status, errDetail string) {
	w.Log(Entry{
		Kind: "webhook", ExternalEventID: externalEventID, Gateway: gateway,
		Operation: eventType, Status: status, Error: errDetail,
	})
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const q = `
		INSERT INTO audit_log (kind, instance_id, user_id, external_event_id, gateway, operation, status, error)
		VALUES ($1, NULLIF($2, '00000000-0000-0000-0000-000000000000'::uuid), NULLIF($3, '00000000-0000-0000-0000-000000000000'::uuid), NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''))`

	for _, e := range entries {
		if _, err := w.pool.Exec(ctx, q, e.Kind, e.InstanceID, e.UserID, e.ExternalEventID, e.Gateway, e.Operation, e.Status, e.Error); err != nil {
			w.logger.Error("writing audit log entry", "error", err, "kind", e.Kind, "operation", e.Operation)
		}
	}
}
