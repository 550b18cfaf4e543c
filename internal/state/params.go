package state

import (
	"fmt"

	"SerpLedger/internal/ledger"
	"SerpLedger/internal/serp"
)

// ParamsManager manages per-currency adjustment parameters. It implements
// the adjustment engine's ParamsProvider. Updates are versioned; a stale
// version is silently dropped so replays stay idempotent.
type ParamsManager struct {
	params   map[ledger.CurrencyID]serp.CurrencyParams
	versions map[ledger.CurrencyID]int64
}

func NewParamsManager() *ParamsManager {
	return &ParamsManager{
		params:   make(map[ledger.CurrencyID]serp.CurrencyParams),
		versions: make(map[ledger.CurrencyID]int64),
	}
}

// Seed installs the startup parameters for a stable currency at version 0.
func (pm *ParamsManager) Seed(c ledger.CurrencyID, p serp.CurrencyParams) error {
	if !ledger.IsStableCurrency(c) {
		return serp.ErrNotStableCurrency
	}
	if err := p.Validate(); err != nil {
		return err
	}
	pm.params[c] = p
	pm.versions[c] = 0
	return nil
}

// UpdateParams applies a versioned parameter replacement. Returns false when
// the version is stale or duplicate (nothing changed).
func (pm *ParamsManager) UpdateParams(c ledger.CurrencyID, p serp.CurrencyParams, version int64) (bool, error) {
	if !ledger.IsStableCurrency(c) {
		return false, serp.ErrNotStableCurrency
	}
	if version <= pm.versions[c] {
		return false, nil
	}
	if err := p.Validate(); err != nil {
		symbol, _ := ledger.GetCurrencySymbol(c)
		return false, fmt.Errorf("invalid params for %s: %w", symbol, err)
	}

	pm.params[c] = p
	pm.versions[c] = version
	return true, nil
}

// Params returns the active parameters for a currency
func (pm *ParamsManager) Params(c ledger.CurrencyID) (serp.CurrencyParams, bool) {
	p, ok := pm.params[c]
	return p, ok
}

// Version returns the active parameter version, 0 when seeded or absent
func (pm *ParamsManager) Version(c ledger.CurrencyID) int64 {
	return pm.versions[c]
}

// RestoreParams directly sets parameters and version (used for snapshot restore)
func (pm *ParamsManager) RestoreParams(c ledger.CurrencyID, p serp.CurrencyParams, version int64) {
	pm.params[c] = p
	pm.versions[c] = version
}

// AllParams returns all active parameters (for snapshot creation)
func (pm *ParamsManager) AllParams() map[ledger.CurrencyID]serp.CurrencyParams {
	result := make(map[ledger.CurrencyID]serp.CurrencyParams, len(pm.params))
	for k, v := range pm.params {
		result[k] = v
	}
	return result
}

// AllVersions returns all parameter versions (for snapshot creation)
func (pm *ParamsManager) AllVersions() map[ledger.CurrencyID]int64 {
	result := make(map[ledger.CurrencyID]int64, len(pm.versions))
	for k, v := range pm.versions {
		result[k] = v
	}
	return result
}
