package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ParamUpdate replaces the adjustment parameters of a stable currency.
// Versions are monotonic per currency; stale versions are dropped.
type ParamUpdate struct {
	Symbol              string
	PegUnit             uint64
	Tolerance           uint64
	IncentiveRate       int64 // Fixed-point rate, scale 1e9
	AdjustmentFrequency int64
	Serper              uuid.UUID
	Version             int64
	Timestamp           int64 // Epoch microseconds (versioned input)
}

func (p *ParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:params:%d", p.Symbol, p.Version)
}

func (p *ParamUpdate) EventType() EventType {
	return EventTypeParamUpdate
}

func (p *ParamUpdate) Currency() *string {
	s := p.Symbol
	return &s
}

func (p *ParamUpdate) SourceSequence() int64 {
	return p.Version
}
