package serp

import (
	"SerpLedger/internal/ledger"
)

// Protocol is the composition root of the adjustment engine: it resolves
// prices and parameters for a tick and hands them to the controller.
type Protocol struct {
	controller *Controller
	oracle     PriceOracle
	params     ParamsProvider
}

func NewProtocol(l *ledger.Ledger, oracle PriceOracle, params ParamsProvider) *Protocol {
	return &Protocol{
		controller: NewController(l),
		oracle:     oracle,
		params:     params,
	}
}

// OnTick runs one adjustment tick for a stable currency at the given epoch.
// A missing price on either leg is a PriceUnavailable skip. Targeting an
// unknown or non-stable currency is a host bug and fails hard.
func (p *Protocol) OnTick(now int64, currency ledger.CurrencyID) (TickOutcome, error) {
	out := TickOutcome{Currency: currency}

	if !ledger.IsKnownCurrency(currency) {
		return out, ledger.ErrUnknownCurrency
	}
	if !ledger.IsStableCurrency(currency) {
		return out, ErrNotStableCurrency
	}

	params, ok := p.params.Params(currency)
	if !ok {
		return out, ErrNoParams
	}

	stablePrice, ok := p.oracle.Price(currency)
	if !ok {
		out.Skip = SkipPriceUnavailable
		return out, nil
	}
	nativePrice, ok := p.oracle.Price(ledger.CurrencyRSV)
	if !ok {
		out.StablePrice = stablePrice
		out.Skip = SkipPriceUnavailable
		return out, nil
	}

	return p.controller.OnSerpBlock(now, currency, stablePrice, nativePrice, params)
}
