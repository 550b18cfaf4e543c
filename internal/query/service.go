package query

import (
	"SerpLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Queries are
// served via the HTTP/JSON gateway and read Postgres projections, never the
// core's in-memory state. All responses include as_of_sequence: the
// projection watermark at read time.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns an account's free and reserved balance for one currency.
// Unknown (account, currency) pairs read as zero, matching the ledger's
// implicit-account semantics.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	account uuid.UUID,
	symbol string,
) (*BalanceResponse, error) {
	if _, ok := ledger.GetCurrencyID(symbol); !ok {
		return nil, fmt.Errorf("unknown currency %q", symbol)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var free, reserved int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT free, reserved FROM projections.balances
		WHERE account = $1 AND symbol = $2
	`, account, symbol).Scan(&free, &reserved)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Symbol:       symbol,
		Free:         free,
		Reserved:     reserved,
		Total:        free + reserved,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetIssuance returns the total issuance of one currency.
func (qs *QueryService) GetIssuance(
	ctx context.Context,
	symbol string,
) (*IssuanceResponse, error) {
	if _, ok := ledger.GetCurrencyID(symbol); !ok {
		return nil, fmt.Errorf("unknown currency %q", symbol)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var issuance int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT issuance FROM projections.issuance WHERE symbol = $1
	`, symbol).Scan(&issuance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &IssuanceResponse{
		Symbol:       symbol,
		Issuance:     issuance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetAdjustments returns the supply adjustment history of one stable
// currency, newest first, with cursor-based pagination on epoch.
func (qs *QueryService) GetAdjustments(
	ctx context.Context,
	symbol string,
	limit int,
	beforeEpoch *int64,
) ([]AdjustmentResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT epoch, sequence, applied,
		       COALESCE(skip_reason, ''), COALESCE(direction, ''),
		       COALESCE(stable_price, 0), COALESCE(native_price, 0),
		       COALESCE(deviation, 0), COALESCE(supply_change, 0),
		       COALESCE(native_amount, 0), COALESCE(quoted_price, 0),
		       COALESCE(unpaid_fee, 0), timestamp
		FROM projections.adjustments
		WHERE symbol = $1
	`
	args := []interface{}{symbol}
	argIdx := 2

	if beforeEpoch != nil {
		query += fmt.Sprintf(" AND epoch < $%d", argIdx)
		args = append(args, *beforeEpoch)
		argIdx++
	}

	query += " ORDER BY epoch DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []AdjustmentResponse
	for rows.Next() {
		var a AdjustmentResponse
		a.Symbol = symbol
		a.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&a.Epoch, &a.Sequence, &a.Applied,
			&a.SkipReason, &a.Direction,
			&a.StablePrice, &a.NativePrice,
			&a.Deviation, &a.SupplyChange,
			&a.NativeAmount, &a.QuotedPrice,
			&a.UnpaidFee, &a.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, a)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal rows touching an account, newest first,
// with cursor-based pagination on sequence. A symbol narrows to one currency.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	symbol *string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT entry_id, batch_id, event_ref, sequence, account, currency_id,
		       kind, free_delta, reserved_delta, issuance_delta, timestamp
		FROM event_log.journal
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if symbol != nil {
		currencyID, ok := ledger.GetCurrencyID(*symbol)
		if !ok {
			return nil, fmt.Errorf("unknown currency %q", *symbol)
		}
		query += fmt.Sprintf(" AND currency_id = $%d", argIdx)
		args = append(args, currencyID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var currencyID uint16
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.Account, &currencyID, &e.Kind,
			&e.FreeDelta, &e.ReservedDelta, &e.IssuanceDelta, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if s, ok := ledger.GetCurrencySymbol(ledger.CurrencyID(currencyID)); ok {
			e.Symbol = s
		} else {
			e.Symbol = fmt.Sprintf("currency_%d", currencyID)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the state hash chain and per-currency conservation.
// Conservation in journal form: for every currency, the sum of free and
// reserved deltas must equal the sum of issuance deltas.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Check conservation per currency
	conservationRows, err := qs.db.QueryContext(ctx, `
		SELECT currency_id,
		       SUM(free_delta + reserved_delta) AS balance_delta,
		       SUM(issuance_delta) AS issuance_delta
		FROM event_log.journal
		GROUP BY currency_id
		HAVING SUM(free_delta + reserved_delta) != SUM(issuance_delta)
	`)
	if err != nil {
		return nil, err
	}
	defer conservationRows.Close()

	for conservationRows.Next() {
		var currencyID uint16
		var balanceDelta, issuanceDelta int64
		if err := conservationRows.Scan(&currencyID, &balanceDelta, &issuanceDelta); err != nil {
			return nil, err
		}
		symbol, ok := ledger.GetCurrencySymbol(ledger.CurrencyID(currencyID))
		if !ok {
			symbol = fmt.Sprintf("currency_%d", currencyID)
		}
		report.UnconservedCurrencies = append(report.UnconservedCurrencies, UnconservedCurrency{
			Symbol:        symbol,
			BalanceDelta:  balanceDelta,
			IssuanceDelta: issuanceDelta,
		})
	}
	if err := conservationRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnconservedCurrencies) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(sequence, 0) FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
