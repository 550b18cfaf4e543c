package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePriceUpdate
	EventTypeSerpTick
	EventTypeDepositRequested
	EventTypeWithdrawalRequested
	EventTypeTransferRequested
	EventTypeReserveRequested
	EventTypeUnreserveRequested
	EventTypeSlashRequested
	EventTypeRepatriateRequested
	EventTypeLockSet
	EventTypeLockExtended
	EventTypeLockRemoved
	EventTypeParamUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Currency context (nullable for global events)
	Currency *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Currency returns the currency context (nil for global events)
	Currency() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeSerpTick:
		return "SerpTick"
	case EventTypeDepositRequested:
		return "DepositRequested"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeTransferRequested:
		return "TransferRequested"
	case EventTypeReserveRequested:
		return "ReserveRequested"
	case EventTypeUnreserveRequested:
		return "UnreserveRequested"
	case EventTypeSlashRequested:
		return "SlashRequested"
	case EventTypeRepatriateRequested:
		return "RepatriateRequested"
	case EventTypeLockSet:
		return "LockSet"
	case EventTypeLockExtended:
		return "LockExtended"
	case EventTypeLockRemoved:
		return "LockRemoved"
	case EventTypeParamUpdate:
		return "ParamUpdate"
	default:
		return "Unknown"
	}
}
