package event

import (
	"time"

	"github.com/google/uuid"
)

// ReserveRequested moves free balance into the reserved sub-balance
type ReserveRequested struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Symbol    string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (r *ReserveRequested) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *ReserveRequested) EventType() EventType {
	return EventTypeReserveRequested
}

func (r *ReserveRequested) Currency() *string {
	s := r.Symbol
	return &s
}

func (r *ReserveRequested) SourceSequence() int64 {
	return r.Sequence
}

// UnreserveRequested releases reserved balance back to free, best-effort
type UnreserveRequested struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Symbol    string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (u *UnreserveRequested) IdempotencyKey() string {
	return u.RequestID.String()
}

func (u *UnreserveRequested) EventType() EventType {
	return EventTypeUnreserveRequested
}

func (u *UnreserveRequested) Currency() *string {
	s := u.Symbol
	return &s
}

func (u *UnreserveRequested) SourceSequence() int64 {
	return u.Sequence
}

// SlashRequested confiscates balance, free first then reserved, best-effort
type SlashRequested struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Symbol    string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (s *SlashRequested) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SlashRequested) EventType() EventType {
	return EventTypeSlashRequested
}

func (s *SlashRequested) Currency() *string {
	c := s.Symbol
	return &c
}

func (s *SlashRequested) SourceSequence() int64 {
	return s.Sequence
}

// RepatriateRequested moves reserved balance to another account's free or
// reserved sub-balance. Status is "free" or "reserved".
type RepatriateRequested struct {
	RequestID uuid.UUID
	From      uuid.UUID
	To        uuid.UUID
	Symbol    string
	Amount    uint64
	Status    string
	Sequence  int64
	Timestamp time.Time
}

func (r *RepatriateRequested) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *RepatriateRequested) EventType() EventType {
	return EventTypeRepatriateRequested
}

func (r *RepatriateRequested) Currency() *string {
	s := r.Symbol
	return &s
}

func (r *RepatriateRequested) SourceSequence() int64 {
	return r.Sequence
}
