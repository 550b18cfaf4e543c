package ledger

import (
	"github.com/google/uuid"
)

// Recorder accumulates journal entries for the event currently being applied.
// The ledger records into it as mutations land, so a finished batch is the
// exact trace of what happened, not a plan of what should happen.
type Recorder struct {
	sequence int64
	batch    *Batch
}

func NewRecorder(startSequence int64) *Recorder {
	return &Recorder{sequence: startSequence}
}

// Begin opens a batch for one event. Panics if a batch is already open;
// the core processes one event at a time.
func (r *Recorder) Begin(eventRef string, timestamp int64) {
	if r.batch != nil {
		panic("ledger: recorder batch already open")
	}
	r.batch = &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  r.sequence,
		Timestamp: timestamp,
		Entries:   make([]Entry, 0, 4),
	}
}

// Record appends one entry to the open batch. A nil batch means the ledger
// is being driven outside an event (tests, replay warm-up); that is allowed
// and records nothing.
func (r *Recorder) Record(key BalanceKey, kind EntryKind, freeDelta, reservedDelta, issuanceDelta int64) {
	if r.batch == nil {
		return
	}
	r.batch.Entries = append(r.batch.Entries, Entry{
		EntryID:       uuid.New(),
		BatchID:       r.batch.BatchID,
		EventRef:      r.batch.EventRef,
		Sequence:      r.batch.Sequence,
		Account:       key.Account,
		Currency:      key.Currency,
		Kind:          kind,
		FreeDelta:     freeDelta,
		ReservedDelta: reservedDelta,
		IssuanceDelta: issuanceDelta,
		Timestamp:     r.batch.Timestamp,
	})
}

// Finish closes the open batch and advances the sequence. An empty batch is
// returned as-is; state-only events still need an envelope in the event log.
func (r *Recorder) Finish() *Batch {
	batch := r.batch
	r.batch = nil
	r.sequence++
	return batch
}

// Abort discards the open batch without advancing the sequence. Safe because
// every ledger operation validates before its first mutation: a failed
// dispatch leaves both the state and the journal untouched.
func (r *Recorder) Abort() {
	r.batch = nil
}

// SetSequence realigns the recorder after snapshot restore.
func (r *Recorder) SetSequence(seq int64) {
	r.sequence = seq
}
