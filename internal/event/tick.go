package event

import (
	"fmt"
)

// SerpTick triggers one supply adjustment for a stable currency.
// Idempotency key: "{symbol}:tick:{epoch}".
type SerpTick struct {
	Symbol    string // Stable currency under adjustment
	Epoch     int64  // Monotonic per currency
	Timestamp int64  // Epoch microseconds (versioned input)
}

func (s *SerpTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:tick:%d", s.Symbol, s.Epoch)
}

func (s *SerpTick) EventType() EventType {
	return EventTypeSerpTick
}

func (s *SerpTick) Currency() *string {
	c := s.Symbol
	return &c
}

func (s *SerpTick) SourceSequence() int64 {
	return s.Epoch
}
