package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots capture the full in-memory state: balances, locks, issuance,
// the price book, adjustment params, tick epochs, sequence counters, recent
// idempotency keys, and the state hash at the snapshot sequence.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of the core's in-memory state.
// Map keys are currency symbols; accounts and the serper are UUID strings.
type SnapshotData struct {
	Sequence        int64                     `json:"sequence"`
	StateHash       []byte                    `json:"state_hash"`
	Balances        []BalanceSnapshot         `json:"balances"`
	Locks           []LockSnapshot            `json:"locks"`
	Issuance        map[string]uint64         `json:"issuance"`
	Prices          map[string]PriceSnap      `json:"prices"`
	Params          map[string]ParamsSnap     `json:"params"`
	Adjustments     map[string]AdjustmentSnap `json:"adjustments"`
	SequenceState   map[string]int64          `json:"sequence_state"`
	IdempotencyKeys []string                  `json:"idempotency_keys"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// BalanceSnapshot is one (account, currency) record.
type BalanceSnapshot struct {
	Account  string `json:"account"`
	Symbol   string `json:"symbol"`
	Free     uint64 `json:"free"`
	Reserved uint64 `json:"reserved"`
}

// LockSnapshot is one named lock on an (account, currency) record.
type LockSnapshot struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	LockID  string `json:"lock_id"`
	Amount  uint64 `json:"amount"`
}

// PriceSnap is a serializable oracle price state.
type PriceSnap struct {
	Price         uint64 `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Timestamp     int64  `json:"timestamp"`
}

// ParamsSnap is a serializable adjustment parameter set with its version.
type ParamsSnap struct {
	PegUnit             uint64 `json:"peg_unit"`
	Tolerance           uint64 `json:"tolerance"`
	IncentiveRate       int64  `json:"incentive_rate"`
	AdjustmentFrequency int64  `json:"adjustment_frequency"`
	Serper              string `json:"serper"`
	Version             int64  `json:"version"`
}

// AdjustmentSnap is the serializable tick epoch state of one stable currency.
type AdjustmentSnap struct {
	LastEpoch   int64 `json:"last_epoch"`
	LastApplied int64 `json:"last_applied"`
	Applied     int64 `json:"applied"`
	Skipped     int64 `json:"skipped"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns the encoded size
// in bytes. Snapshots are taken periodically and marked verified only after
// a restore check.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return sizeBytes, err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, restore it then replay events from snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, currency, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Currency,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty. Sequences start at 0, so 0 means one event.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return -1, err
	}
	if !seq.Valid {
		return -1, nil // Empty event log
	}
	return seq.Int64, nil
}
