package serp

import (
	"SerpLedger/internal/ledger"
	fpmath "SerpLedger/internal/math"
)

// SkipReason classifies a tick that completed successfully without adjusting
// supply. Skips are expected steady-state outcomes, not failures.
type SkipReason int32

const (
	SkipNone SkipReason = iota
	SkipPriceUnavailable
	SkipNoQuotableMarket
	SkipToleranceNotMet
	SkipFrequencyNotMet
	SkipZeroChange
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipPriceUnavailable:
		return "price_unavailable"
	case SkipNoQuotableMarket:
		return "no_quotable_market"
	case SkipToleranceNotMet:
		return "tolerance_not_met"
	case SkipFrequencyNotMet:
		return "frequency_not_met"
	case SkipZeroChange:
		return "zero_change"
	default:
		return "unknown"
	}
}

// TickOutcome reports what one adjustment tick did. Applied=false with
// Skip!=SkipNone is a successful no-op; Applied=true means both settlement
// legs landed.
type TickOutcome struct {
	Currency     ledger.CurrencyID
	Applied      bool
	Skip         SkipReason
	Direction    fpmath.Direction // zero until a deviation direction is known
	StablePrice  ledger.Balance
	NativePrice  ledger.Balance
	Deviation    ledger.Balance // |stablePrice - pegUnit|
	SupplyChange ledger.Balance // stable units minted or burned
	NativeAmount ledger.Balance // native units paid or charged
	Quoted       int64          // serp-quoted stable ratio, fixed-point
	Settle       int64          // native settlement price, fixed-point
	UnpaidFee    ledger.Balance // contraction fee shortfall after slashing
}

// Controller runs supply adjustments against the ledger. It is purely
// mechanical: prices and parameters arrive from the caller, and every tick
// either applies both settlement legs or mutates nothing.
type Controller struct {
	ledger *ledger.Ledger
}

func NewController(l *ledger.Ledger) *Controller {
	return &Controller{ledger: l}
}

// OnSerpBlock executes one adjustment tick for a stable currency.
//
// The stable price is compared against the peg; a deviation beyond the
// tolerance band converts into a proportional supply change, quoted into
// native units at a premium over market, and settled against the serper:
// expansion mints stable supply plus a native incentive, contraction burns
// stable supply and charges a native participation fee.
//
// A hard error means nothing was applied. Skips are successful no-ops.
func (c *Controller) OnSerpBlock(now int64, currency ledger.CurrencyID, stablePrice, nativePrice ledger.Balance, p CurrencyParams) (TickOutcome, error) {
	out := TickOutcome{
		Currency:    currency,
		StablePrice: stablePrice,
		NativePrice: nativePrice,
	}

	if p.AdjustmentFrequency > 0 && now%p.AdjustmentFrequency != 0 {
		out.Skip = SkipFrequencyNotMet
		return out, nil
	}

	var dir fpmath.Direction
	var deviation ledger.Balance
	if stablePrice >= p.PegUnit {
		dir = fpmath.DirectionExpansion
		deviation = stablePrice - p.PegUnit
	} else {
		dir = fpmath.DirectionContraction
		deviation = p.PegUnit - stablePrice
	}
	out.Deviation = deviation
	if deviation > 0 {
		out.Direction = dir
	}

	if deviation < p.Tolerance {
		out.Skip = SkipToleranceNotMet
		return out, nil
	}

	// A deviation this large already caps the change at full issuance.
	signed := deviation
	if signed > maxInt64 {
		signed = maxInt64
	}
	signedDeviation := int64(signed)
	if dir == fpmath.DirectionContraction {
		signedDeviation = -signedDeviation
	}

	issuance := c.ledger.TotalIssuance(currency)
	change := fpmath.SupplyChange(issuance, signedDeviation, p.PegUnit)
	if change == 0 {
		out.Skip = SkipZeroChange
		return out, nil
	}
	out.SupplyChange = change

	stableRatio, ok := fpmath.MarketPrice(stablePrice, p.PegUnit)
	if !ok {
		out.Skip = SkipNoQuotableMarket
		return out, nil
	}
	quoted := fpmath.SerpQuote(stableRatio, p.IncentiveRate, dir)

	nativeRatio, ok := fpmath.MarketPrice(nativePrice, p.PegUnit)
	if !ok {
		out.Skip = SkipNoQuotableMarket
		return out, nil
	}
	settle, ok := fpmath.DividePrice(nativeRatio, quoted)
	if !ok {
		out.Skip = SkipNoQuotableMarket
		return out, nil
	}
	nativeAmount, ok := fpmath.NativeAmountFor(settle, change)
	if !ok {
		out.Skip = SkipNoQuotableMarket
		return out, nil
	}
	out.Quoted = quoted
	out.Settle = settle
	out.NativeAmount = nativeAmount

	switch dir {
	case fpmath.DirectionExpansion:
		// Pre-validate both legs so the second mint can never fail after
		// the first lands. Conservation bounds any account's free balance
		// by issuance, so the issuance check covers the account too.
		if err := c.ledger.CanDeposit(currency, change); err != nil {
			return out, err
		}
		if err := c.ledger.CanDeposit(ledger.CurrencyRSV, nativeAmount); err != nil {
			return out, err
		}

		if err := c.ledger.SerpExpand(p.Serper, currency, change); err != nil {
			return out, err
		}
		if err := c.ledger.SerpIncentive(p.Serper, ledger.CurrencyRSV, nativeAmount); err != nil {
			return out, err
		}

	case fpmath.DirectionContraction:
		// The stable leg is the only fallible one; the fee leg never fails.
		if err := c.ledger.SerpContract(p.Serper, currency, change); err != nil {
			return out, err
		}
		out.UnpaidFee = c.ledger.SerpFee(p.Serper, ledger.CurrencyRSV, nativeAmount)
	}

	out.Applied = true
	return out, nil
}

const maxInt64 = 1<<63 - 1
