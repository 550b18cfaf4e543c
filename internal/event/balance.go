package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositRequested mints currency into an account's free balance
type DepositRequested struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Symbol    string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositRequested) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositRequested) EventType() EventType {
	return EventTypeDepositRequested
}

func (d *DepositRequested) Currency() *string {
	s := d.Symbol
	return &s
}

func (d *DepositRequested) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawalRequested burns currency from an account's free balance
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Symbol       string
	Amount       uint64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) Currency() *string {
	s := w.Symbol
	return &s
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// TransferRequested moves free balance between two accounts
type TransferRequested struct {
	TransferID uuid.UUID
	From       uuid.UUID
	To         uuid.UUID
	Symbol     string
	Amount     uint64
	Sequence   int64
	Timestamp  time.Time
}

func (t *TransferRequested) IdempotencyKey() string {
	return t.TransferID.String()
}

func (t *TransferRequested) EventType() EventType {
	return EventTypeTransferRequested
}

func (t *TransferRequested) Currency() *string {
	s := t.Symbol
	return &s
}

func (t *TransferRequested) SourceSequence() int64 {
	return t.Sequence
}
