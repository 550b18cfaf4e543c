package serp

import (
	"fmt"

	"SerpLedger/internal/ledger"

	"github.com/google/uuid"
)

// CurrencyParams configures the adjustment behavior of one stable currency.
// PegUnit and Tolerance are denominated in oracle price units; IncentiveRate
// is a fixed-point rate at scale 1e9.
type CurrencyParams struct {
	PegUnit             ledger.Balance   // Target price, > 0
	Tolerance           ledger.Balance   // Deviation band that suppresses adjustment
	IncentiveRate       int64            // Serper premium per unit of deviation
	AdjustmentFrequency int64            // Ticks between adjustments, > 0
	Serper              ledger.AccountID // Settlement counterparty
}

// Validate rejects parameter sets the controller cannot safely run with.
func (p CurrencyParams) Validate() error {
	if p.PegUnit == 0 {
		return fmt.Errorf("serp: peg unit must be positive")
	}
	if p.IncentiveRate < 0 {
		return fmt.Errorf("serp: incentive rate must not be negative")
	}
	if p.AdjustmentFrequency <= 0 {
		return fmt.Errorf("serp: adjustment frequency must be positive, got %d", p.AdjustmentFrequency)
	}
	if p.Serper == uuid.Nil {
		return fmt.Errorf("serp: serper account is required")
	}
	return nil
}

// ParamsProvider resolves the active parameters for a stable currency.
type ParamsProvider interface {
	Params(c ledger.CurrencyID) (CurrencyParams, bool)
}

// ParamSet is a fixed in-memory ParamsProvider.
type ParamSet map[ledger.CurrencyID]CurrencyParams

func (s ParamSet) Params(c ledger.CurrencyID) (CurrencyParams, bool) {
	p, ok := s[c]
	return p, ok
}

// PriceOracle supplies the latest observed price for a currency.
// ok=false when no price has been observed yet.
type PriceOracle interface {
	Price(c ledger.CurrencyID) (ledger.Balance, bool)
}

// ManualOracle is a PriceOracle with directly settable prices.
type ManualOracle struct {
	prices map[ledger.CurrencyID]ledger.Balance
}

func NewManualOracle() *ManualOracle {
	return &ManualOracle{prices: make(map[ledger.CurrencyID]ledger.Balance)}
}

func (o *ManualOracle) SetPrice(c ledger.CurrencyID, price ledger.Balance) {
	o.prices[c] = price
}

func (o *ManualOracle) ClearPrice(c ledger.CurrencyID) {
	delete(o.prices, c)
}

func (o *ManualOracle) Price(c ledger.CurrencyID) (ledger.Balance, bool) {
	price, ok := o.prices[c]
	return price, ok
}
