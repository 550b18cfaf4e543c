package projection

import (
	"SerpLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	Symbol         *string
	JournalEntries []JournalEntry
	Adjustment     *AdjustmentRecord
	Timestamp      int64
}

// JournalEntry is a simplified journal row for projection consumption.
// Deltas are signed; the bridge resolves currency IDs to symbols.
type JournalEntry struct {
	Account       string
	Symbol        string
	Kind          string
	FreeDelta     int64
	ReservedDelta int64
	IssuanceDelta int64
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop. The stored watermark marks what is
// already applied: outputs at or below it are skipped, so startup replay
// flows through without double-applying deltas, while replayed outputs above
// the watermark fill in updates that were dropped before a restart.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermark(ctx); err != nil {
		pw.lastSeq = -1
		pw.logger.Warn().Err(err).Msg("load projection watermark failed, applying all outputs")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.lastSeq {
				continue
			}

			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
				continue
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) error {
	err := pw.db.QueryRowContext(ctx, `
		SELECT COALESCE(sequence, 0) FROM projections.watermark WHERE id = 1
	`).Scan(&pw.lastSeq)
	if err == sql.ErrNoRows {
		pw.lastSeq = -1
		return nil
	}
	return err
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := pw.applyJournalEntry(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Adjustment != nil {
		if err := pw.insertAdjustment(ctx, tx, *output.Adjustment); err != nil {
			return fmt.Errorf("adjustment projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("balances").Observe(time.Since(start).Seconds())
	}
	return nil
}

func (pw *ProjectionWorker) applyJournalEntry(ctx context.Context, tx *sql.Tx, j JournalEntry, sequence int64) error {
	if j.FreeDelta != 0 || j.ReservedDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account, symbol, free, reserved, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account, symbol)
			DO UPDATE SET free     = projections.balances.free + $3,
			              reserved = projections.balances.reserved + $4,
			              sequence = $5,
			              updated_at = NOW()
		`, j.Account, j.Symbol, j.FreeDelta, j.ReservedDelta, sequence); err != nil {
			return err
		}
	}

	if j.IssuanceDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.issuance (symbol, issuance, sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (symbol)
			DO UPDATE SET issuance = projections.issuance.issuance + $2,
			              sequence = $3,
			              updated_at = NOW()
		`, j.Symbol, j.IssuanceDelta, sequence); err != nil {
			return err
		}
	}

	return nil
}

// RebuildProjections refolds balances and issuance from the journal.
// Adjustment rows are insert-only and deduplicated on (symbol, epoch), so a
// full event-log replay through the core refills any rows lost to channel
// drops; they are left untouched here.
func RebuildProjections(ctx context.Context, db *sql.DB, symbolFor func(uint16) (string, bool), logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.issuance`,
		`DELETE FROM projections.watermark`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Balances: fold free and reserved deltas per (account, currency).
	rows, err := db.QueryContext(ctx, `
		SELECT account, currency_id, SUM(free_delta), SUM(reserved_delta), MAX(sequence)
		FROM event_log.journal
		GROUP BY account, currency_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances query: %w", err)
	}
	defer rows.Close()

	var maxSeq int64
	for rows.Next() {
		var account string
		var currencyID uint16
		var free, reserved, seq int64
		if err := rows.Scan(&account, &currencyID, &free, &reserved, &seq); err != nil {
			return fmt.Errorf("rebuild balances scan: %w", err)
		}
		symbol, ok := symbolFor(currencyID)
		if !ok {
			logger.Warn().Uint16("currency_id", currencyID).Msg("journal references unknown currency")
			continue
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.balances (account, symbol, free, reserved, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account, symbol)
			DO UPDATE SET free = $3, reserved = $4, sequence = $5, updated_at = NOW()
		`, account, symbol, free, reserved, seq); err != nil {
			return fmt.Errorf("rebuild balances insert: %w", err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Issuance: fold issuance deltas per currency.
	issuanceRows, err := db.QueryContext(ctx, `
		SELECT currency_id, SUM(issuance_delta), MAX(sequence)
		FROM event_log.journal
		GROUP BY currency_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild issuance query: %w", err)
	}
	defer issuanceRows.Close()

	for issuanceRows.Next() {
		var currencyID uint16
		var issuance, seq int64
		if err := issuanceRows.Scan(&currencyID, &issuance, &seq); err != nil {
			return fmt.Errorf("rebuild issuance scan: %w", err)
		}
		symbol, ok := symbolFor(currencyID)
		if !ok {
			continue
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.issuance (symbol, issuance, sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (symbol)
			DO UPDATE SET issuance = $2, sequence = $3, updated_at = NOW()
		`, symbol, issuance, seq); err != nil {
			return fmt.Errorf("rebuild issuance insert: %w", err)
		}
	}
	if err := issuanceRows.Err(); err != nil {
		return err
	}

	if maxSeq > 0 {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO projections.watermark (id, sequence, updated_at)
			VALUES (1, $1, NOW())
			ON CONFLICT (id) DO UPDATE SET sequence = $1, updated_at = NOW()
		`, maxSeq); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}

	logger.Info().Int64("sequence", maxSeq).Msg("projection rebuild complete")
	return nil
}
