// internal/event/price.go
package event

import "fmt"

// PriceUpdate represents an oracle price observation for one currency
type PriceUpdate struct {
	Symbol         string
	Price          uint64 // Oracle price units
	PriceSequence  int64  // Monotonic per currency
	PriceTimestamp int64  // Epoch microseconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Symbol, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Currency() *string {
	s := p.Symbol
	return &s
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}
