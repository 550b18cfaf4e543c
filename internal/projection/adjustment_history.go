package projection

import (
	"context"
	"database/sql"
)

// AdjustmentRecord is one evaluated supply adjustment tick, applied or
// skipped. Skipped ticks carry the reason and whatever inputs were known
// when the controller bailed out.
type AdjustmentRecord struct {
	Symbol       string
	Epoch        int64
	Sequence     int64
	Applied      bool
	SkipReason   string
	Direction    string
	StablePrice  int64
	NativePrice  int64
	Deviation    int64
	SupplyChange int64
	NativeAmount int64
	QuotedPrice  int64
	UnpaidFee    int64
	Timestamp    int64
}

// insertAdjustment records one tick outcome. (symbol, epoch) is unique, so
// replays and redeliveries are no-ops.
func (pw *ProjectionWorker) insertAdjustment(ctx context.Context, tx *sql.Tx, rec AdjustmentRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.adjustments
			(symbol, epoch, sequence, applied, skip_reason, direction,
			 stable_price, native_price, deviation, supply_change,
			 native_amount, quoted_price, unpaid_fee, timestamp)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (symbol, epoch) DO NOTHING
	`, rec.Symbol, rec.Epoch, rec.Sequence, rec.Applied, rec.SkipReason, rec.Direction,
		rec.StablePrice, rec.NativePrice, rec.Deviation, rec.SupplyChange,
		rec.NativeAmount, rec.QuotedPrice, rec.UnpaidFee, rec.Timestamp)
	return err
}
