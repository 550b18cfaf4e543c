package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryKind represents the purpose of a journal entry
type EntryKind int32

const (
	EntryKindDeposit EntryKind = iota
	EntryKindWithdraw
	EntryKindTransferOut
	EntryKindTransferIn
	EntryKindReserve
	EntryKindUnreserve
	EntryKindCreateReserved
	EntryKindSlashFree
	EntryKindSlashReserved
	EntryKindRepatriateOut
	EntryKindRepatriateIn
	EntryKindSerpExpand
	EntryKindSerpIncentive
	EntryKindSerpContract
	EntryKindSerpFee
	EntryKindDustSweepOut
	EntryKindDustSweepIn
)

func (k EntryKind) String() string {
	switch k {
	case EntryKindDeposit:
		return "deposit"
	case EntryKindWithdraw:
		return "withdraw"
	case EntryKindTransferOut:
		return "transfer_out"
	case EntryKindTransferIn:
		return "transfer_in"
	case EntryKindReserve:
		return "reserve"
	case EntryKindUnreserve:
		return "unreserve"
	case EntryKindCreateReserved:
		return "create_reserved"
	case EntryKindSlashFree:
		return "slash_free"
	case EntryKindSlashReserved:
		return "slash_reserved"
	case EntryKindRepatriateOut:
		return "repatriate_out"
	case EntryKindRepatriateIn:
		return "repatriate_in"
	case EntryKindSerpExpand:
		return "serp_expand"
	case EntryKindSerpIncentive:
		return "serp_incentive"
	case EntryKindSerpContract:
		return "serp_contract"
	case EntryKindSerpFee:
		return "serp_fee"
	case EntryKindDustSweepOut:
		return "dust_sweep_out"
	case EntryKindDustSweepIn:
		return "dust_sweep_in"
	default:
		return "unknown"
	}
}

// Entry records one applied mutation of a single (account, currency) record.
// Deltas are signed; a mint has IssuanceDelta > 0, a burn < 0, and pure moves
// (transfer, reserve, repatriate, dust sweep) have IssuanceDelta == 0.
type Entry struct {
	EntryID       uuid.UUID  // Unique identifier
	BatchID       uuid.UUID  // Groups the entries of one applied event
	EventRef      string     // Idempotency key of source event
	Sequence      int64      // Global event sequence
	Account       AccountID  // Balance holder
	Currency      CurrencyID // Currency being mutated
	Kind          EntryKind  // Entry type
	FreeDelta     int64      // Change applied to free balance
	ReservedDelta int64      // Change applied to reserved balance
	IssuanceDelta int64      // Change applied to total issuance
	Timestamp     int64      // Versioned input timestamp (epoch microseconds)
}

// Batch groups the entries applied by a single event
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Entries   []Entry
}

// Validate ensures the batch is well-formed and conserving.
// Conservation in journal form: for every currency, the sum of free and
// reserved deltas must equal the sum of issuance deltas. Pure moves cancel
// out; mints and burns account for themselves.
func (b *Batch) Validate() error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	sums := make(map[CurrencyID]int64)
	issued := make(map[CurrencyID]int64)

	for _, e := range b.Entries {
		if e.FreeDelta == 0 && e.ReservedDelta == 0 && e.IssuanceDelta == 0 {
			return fmt.Errorf("entry %s mutates nothing", e.EntryID)
		}

		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}

		if !IsKnownCurrency(e.Currency) {
			return fmt.Errorf("entry %s has unknown currency %d", e.EntryID, e.Currency)
		}

		sums[e.Currency] += e.FreeDelta + e.ReservedDelta
		issued[e.Currency] += e.IssuanceDelta
	}

	for currency, sum := range sums {
		if sum != issued[currency] {
			symbol, _ := GetCurrencySymbol(currency)
			return fmt.Errorf("batch %s does not conserve %s: balance delta %d, issuance delta %d",
				b.BatchID, symbol, sum, issued[currency])
		}
	}

	return nil
}
