package state

import (
	"SerpLedger/internal/ledger"
)

// PriceTracker holds the latest oracle price per currency. It implements
// the adjustment engine's PriceOracle.
type PriceTracker struct {
	prices map[ledger.CurrencyID]*PriceState
}

// PriceState tracks the latest observed price for one currency
type PriceState struct {
	Price         ledger.Balance
	PriceSequence int64
	Timestamp     int64
}

func NewPriceTracker() *PriceTracker {
	return &PriceTracker{
		prices: make(map[ledger.CurrencyID]*PriceState),
	}
}

// UpdatePrice processes an oracle price observation
func (pt *PriceTracker) UpdatePrice(c ledger.CurrencyID, price ledger.Balance, sequence int64, timestamp int64) error {
	if !ledger.IsKnownCurrency(c) {
		return ledger.ErrUnknownCurrency
	}

	current := pt.prices[c]
	if current != nil && sequence <= current.PriceSequence {
		// Stale or duplicate - silently ignore (idempotent)
		return nil
	}
	// Gaps in the price feed are tolerable; the latest observation wins.

	pt.prices[c] = &PriceState{
		Price:         price,
		PriceSequence: sequence,
		Timestamp:     timestamp,
	}

	return nil
}

// Price returns the latest observed price for a currency
func (pt *PriceTracker) Price(c ledger.CurrencyID) (ledger.Balance, bool) {
	state := pt.prices[c]
	if state == nil {
		return 0, false
	}
	return state.Price, true
}

// PriceSequence returns the sequence of the latest observation, 0 when none
func (pt *PriceTracker) PriceSequence(c ledger.CurrencyID) int64 {
	state := pt.prices[c]
	if state == nil {
		return 0
	}
	return state.PriceSequence
}

// RestorePrice directly sets a price state (used for snapshot restore)
func (pt *PriceTracker) RestorePrice(c ledger.CurrencyID, ps *PriceState) {
	pt.prices[c] = ps
}

// AllPrices returns all price states (for snapshot creation)
func (pt *PriceTracker) AllPrices() map[ledger.CurrencyID]*PriceState {
	result := make(map[ledger.CurrencyID]*PriceState, len(pt.prices))
	for k, v := range pt.prices {
		result[k] = v
	}
	return result
}
