package ingestion

import (
	"SerpLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Injector builds typed events for operator intervention and backfills and
// feeds them into the core's inbound channel. It serves the admin HTTP
// surface, not high-throughput ingestion (use NATS for that). Injection is
// asynchronous: a nil return means the event was queued, not applied.
//
// Balance commands carry upstream source sequences validated strictly per
// currency, so injected deposits, withdrawals, and transfers must supply
// the partition's next expected sequence; a wrong one is rejected by the
// core like any other out-of-order command.
type Injector struct {
	eventChan chan<- event.Event
}

func NewInjector(eventChan chan<- event.Event) *Injector {
	return &Injector{eventChan: eventChan}
}

// InjectDeposit queues a DepositRequested event.
func (inj *Injector) InjectDeposit(
	ctx context.Context,
	account uuid.UUID,
	symbol string,
	amount uint64,
	sequence int64,
) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.DepositRequested{
		DepositID: uuid.New(),
		Account:   account,
		Symbol:    symbol,
		Amount:    amount,
		Sequence:  sequence,
		Timestamp: time.Now(),
	}

	return inj.send(ctx, evt)
}

// InjectWithdrawal queues a WithdrawalRequested event.
func (inj *Injector) InjectWithdrawal(
	ctx context.Context,
	account uuid.UUID,
	symbol string,
	amount uint64,
	sequence int64,
) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		Account:      account,
		Symbol:       symbol,
		Amount:       amount,
		Sequence:     sequence,
		Timestamp:    time.Now(),
	}

	return inj.send(ctx, evt)
}

// InjectTransfer queues a TransferRequested event.
func (inj *Injector) InjectTransfer(
	ctx context.Context,
	from, to uuid.UUID,
	symbol string,
	amount uint64,
	sequence int64,
) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.TransferRequested{
		TransferID: uuid.New(),
		From:       from,
		To:         to,
		Symbol:     symbol,
		Amount:     amount,
		Sequence:   sequence,
		Timestamp:  time.Now(),
	}

	return inj.send(ctx, evt)
}

// InjectPrice queues a PriceUpdate event.
func (inj *Injector) InjectPrice(
	ctx context.Context,
	symbol string,
	price uint64,
	priceSequence int64,
) error {
	if price == 0 {
		return fmt.Errorf("price must be positive")
	}

	evt := &event.PriceUpdate{
		Symbol:         symbol,
		Price:          price,
		PriceSequence:  priceSequence,
		PriceTimestamp: time.Now().UnixMicro(),
	}

	return inj.send(ctx, evt)
}

// InjectTick queues a SerpTick event, forcing an adjustment evaluation for
// one stable currency.
func (inj *Injector) InjectTick(
	ctx context.Context,
	symbol string,
	epoch int64,
) error {
	evt := &event.SerpTick{
		Symbol:    symbol,
		Epoch:     epoch,
		Timestamp: time.Now().UnixMicro(),
	}

	return inj.send(ctx, evt)
}

// InjectParams queues a ParamUpdate event. The incentive rate is fixed-point
// scaled by 1e9.
func (inj *Injector) InjectParams(
	ctx context.Context,
	symbol string,
	pegUnit, tolerance uint64,
	incentiveRate, adjustmentFrequency int64,
	serper uuid.UUID,
	version int64,
) error {
	if pegUnit == 0 {
		return fmt.Errorf("peg unit must be positive")
	}

	evt := &event.ParamUpdate{
		Symbol:              symbol,
		PegUnit:             pegUnit,
		Tolerance:           tolerance,
		IncentiveRate:       incentiveRate,
		AdjustmentFrequency: adjustmentFrequency,
		Serper:              serper,
		Version:             version,
		Timestamp:           time.Now().UnixMicro(),
	}

	return inj.send(ctx, evt)
}

func (inj *Injector) send(ctx context.Context, evt event.Event) error {
	select {
	case inj.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
