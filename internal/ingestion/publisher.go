package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes processed events to NATS for downstream
// consumers. Applied envelopes go to serp.applied.{event_type}; supply
// adjustment outcomes go to serp.adjustments.{symbol}. Publishing happens
// after persistence is confirmed.
type OutboundPublisher struct {
	js          jetstream.JetStream
	eventChan   <-chan PublishableEvent
	outcomeChan <-chan AdjustmentPublication
	logger      zerolog.Logger
}

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Symbol         *string     `json:"symbol,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

// AdjustmentPublication is the outbound record of one supply adjustment tick,
// applied or skipped.
type AdjustmentPublication struct {
	Symbol       string `json:"symbol"`
	Sequence     int64  `json:"sequence"`
	Epoch        int64  `json:"epoch"`
	Applied      bool   `json:"applied"`
	SkipReason   string `json:"skip_reason,omitempty"`
	Direction    string `json:"direction,omitempty"`
	StablePrice  uint64 `json:"stable_price,omitempty"`
	NativePrice  uint64 `json:"native_price,omitempty"`
	Deviation    int64  `json:"deviation,omitempty"`
	SupplyChange uint64 `json:"supply_change,omitempty"`
	NativeAmount uint64 `json:"native_amount,omitempty"`
	QuotedPrice  int64  `json:"quoted_price,omitempty"`
	UnpaidFee    uint64 `json:"unpaid_fee,omitempty"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func NewOutboundPublisher(js jetstream.JetStream, eventChan <-chan PublishableEvent, outcomeChan <-chan AdjustmentPublication, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:          js,
		eventChan:   eventChan,
		outcomeChan: outcomeChan,
		logger:      logger,
	}
}

// Run starts the outbound publisher loop. Publish failures are non-fatal:
// downstream consumers can query the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.eventChan:
			if !ok {
				return nil
			}
			if err := op.publishEvent(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}

		case outcome, ok := <-op.outcomeChan:
			if !ok {
				return nil
			}
			if err := op.publishOutcome(ctx, outcome); err != nil {
				op.logger.Warn().Err(err).Str("symbol", outcome.Symbol).Msg("adjustment publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publishEvent(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("serp.applied.%s", evt.EventType)
	if evt.Symbol != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.Symbol)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

func (op *OutboundPublisher) publishOutcome(ctx context.Context, outcome AdjustmentPublication) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	subject := fmt.Sprintf("serp.adjustments.%s", outcome.Symbol)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound stream covering both applied
// envelopes and adjustment outcomes.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SERP_OUTBOUND",
		Subjects:  []string{"serp.applied.>", "serp.adjustments.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "SERP_OUTBOUND").Msg("ensured outbound stream")
	return nil
}
