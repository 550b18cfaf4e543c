package event

import (
	"time"

	"github.com/google/uuid"
)

// LockSet creates or replaces a named withdrawal lock
type LockSet struct {
	RequestID uuid.UUID
	LockID    string // Lock name, at most 8 bytes
	Account   uuid.UUID
	Symbol    string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (l *LockSet) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LockSet) EventType() EventType {
	return EventTypeLockSet
}

func (l *LockSet) Currency() *string {
	s := l.Symbol
	return &s
}

func (l *LockSet) SourceSequence() int64 {
	return l.Sequence
}

// LockExtended raises a named lock to at least the given amount
type LockExtended struct {
	RequestID uuid.UUID
	LockID    string
	Account   uuid.UUID
	Symbol    string
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (l *LockExtended) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LockExtended) EventType() EventType {
	return EventTypeLockExtended
}

func (l *LockExtended) Currency() *string {
	s := l.Symbol
	return &s
}

func (l *LockExtended) SourceSequence() int64 {
	return l.Sequence
}

// LockRemoved drops a named lock
type LockRemoved struct {
	RequestID uuid.UUID
	LockID    string
	Account   uuid.UUID
	Symbol    string
	Sequence  int64
	Timestamp time.Time
}

func (l *LockRemoved) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LockRemoved) EventType() EventType {
	return EventTypeLockRemoved
}

func (l *LockRemoved) Currency() *string {
	s := l.Symbol
	return &s
}

func (l *LockRemoved) SourceSequence() int64 {
	return l.Sequence
}
