package state

import (
	"SerpLedger/internal/ledger"
)

// AdjustmentTracker tracks tick epochs per stable currency. Tick epochs are
// monotonic but not dense: a scheduler may restart or legitimately skip
// epochs, so gaps are accepted and only stale epochs are dropped.
type AdjustmentTracker struct {
	epochs map[ledger.CurrencyID]*AdjustmentState
}

// AdjustmentState is the per-currency tick bookkeeping
type AdjustmentState struct {
	LastEpoch   int64 // Last observed tick epoch
	LastApplied int64 // Epoch of the last applied adjustment, 0 when none
	Applied     int64 // Count of applied adjustments
	Skipped     int64 // Count of skipped ticks
}

func NewAdjustmentTracker() *AdjustmentTracker {
	return &AdjustmentTracker{
		epochs: make(map[ledger.CurrencyID]*AdjustmentState),
	}
}

// IsStale reports whether a tick epoch has already been observed. Read-only:
// the epoch only advances in RecordOutcome, so a tick that fails hard stays
// retryable.
func (at *AdjustmentTracker) IsStale(c ledger.CurrencyID, epoch int64) bool {
	state := at.epochs[c]
	return state != nil && epoch <= state.LastEpoch
}

// RecordOutcome advances the epoch and counters after a tick completed
func (at *AdjustmentTracker) RecordOutcome(c ledger.CurrencyID, epoch int64, applied bool) {
	state := at.epochs[c]
	if state == nil {
		state = &AdjustmentState{}
		at.epochs[c] = state
	}
	state.LastEpoch = epoch
	if applied {
		state.Applied++
		state.LastApplied = epoch
	} else {
		state.Skipped++
	}
}

// State returns the bookkeeping for one currency, nil when never ticked
func (at *AdjustmentTracker) State(c ledger.CurrencyID) *AdjustmentState {
	return at.epochs[c]
}

// RestoreState directly sets per-currency bookkeeping (used for snapshot restore)
func (at *AdjustmentTracker) RestoreState(c ledger.CurrencyID, s *AdjustmentState) {
	at.epochs[c] = s
}

// AllStates returns all per-currency bookkeeping (for snapshot creation)
func (at *AdjustmentTracker) AllStates() map[ledger.CurrencyID]*AdjustmentState {
	result := make(map[ledger.CurrencyID]*AdjustmentState, len(at.epochs))
	for k, v := range at.epochs {
		result[k] = v
	}
	return result
}
