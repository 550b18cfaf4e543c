package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERT batches. Both writes of a flush run inside the transaction the
// worker opens, so an event never lands without its journal entries.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Currency       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. One row per applied
// mutation of a single (account, currency) record; deltas are signed.
type JournalRow struct {
	EntryID       string
	BatchID       string
	EventRef      string
	Sequence      int64
	Account       string
	CurrencyID    uint16
	Kind          string
	FreeDelta     int64
	ReservedDelta int64
	IssuanceDelta int64
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (w *EventLogWriter) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return w.db
}

// WriteEventBatch writes a batch of events to event_log.events. Passing a
// non-nil tx runs the insert inside that transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx *sql.Tx) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, currency, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Currency,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := w.execer(tx).ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, tx *sql.Tx) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(entry_id, batch_id, event_ref, sequence, account, currency_id, kind, free_delta, reserved_delta, issuance_delta, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*11)

	for i, j := range journals {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			j.EntryID, j.BatchID, j.EventRef, j.Sequence,
			j.Account, j.CurrencyID, j.Kind,
			j.FreeDelta, j.ReservedDelta, j.IssuanceDelta, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := w.execer(tx).ExecContext(ctx, query, args...)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
