package config

import (
	"fmt"
	"strconv"
	"strings"

	"SerpLedger/internal/ledger"
	"SerpLedger/internal/serp"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// RateScale is the fixed-point scale for incentive rates: 1.0 == 1e9.
const RateScale = 1_000_000_000

// CurrencyFile is the TOML currency registry. One [native] section for the
// reserve token, one [[stable]] section per pegged token. Symbols must match
// the compiled-in registry; the file carries parameters, not new currencies.
type CurrencyFile struct {
	Native  NativeConfig   `toml:"native"`
	Stables []StableConfig `toml:"stable"`
}

type NativeConfig struct {
	Symbol         string `toml:"symbol"`
	MinimumBalance uint64 `toml:"minimum_balance"`
}

type StableConfig struct {
	Symbol              string `toml:"symbol"`
	PegUnit             uint64 `toml:"peg_unit"`
	Tolerance           uint64 `toml:"tolerance"`
	IncentiveRate       string `toml:"incentive_rate"` // decimal, e.g. "0.01"
	AdjustmentFrequency int64  `toml:"adjustment_frequency"`
	Serper              string `toml:"serper"` // account UUID
	MinimumBalance      uint64 `toml:"minimum_balance"`
}

// LoadCurrencyFile reads and validates the currency registry TOML.
func LoadCurrencyFile(path string) (*CurrencyFile, error) {
	var f CurrencyFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func (f *CurrencyFile) validate() error {
	if f.Native.Symbol != "" {
		id, ok := ledger.GetCurrencyID(f.Native.Symbol)
		if !ok {
			return fmt.Errorf("unknown native symbol %q", f.Native.Symbol)
		}
		if ledger.IsStableCurrency(id) {
			return fmt.Errorf("%q is a stable token, not the native currency", f.Native.Symbol)
		}
	}

	seen := make(map[string]bool)
	for _, s := range f.Stables {
		id, ok := ledger.GetCurrencyID(s.Symbol)
		if !ok {
			return fmt.Errorf("unknown stable symbol %q", s.Symbol)
		}
		if !ledger.IsStableCurrency(id) {
			return fmt.Errorf("%q is not a stable token", s.Symbol)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("duplicate stable section for %q", s.Symbol)
		}
		seen[s.Symbol] = true
	}
	return nil
}

// StableParams converts the stable sections into controller parameters keyed
// by currency ID. Each parameter set is validated the same way a ParamUpdate
// event would be.
func (f *CurrencyFile) StableParams() (map[ledger.CurrencyID]serp.CurrencyParams, error) {
	params := make(map[ledger.CurrencyID]serp.CurrencyParams, len(f.Stables))
	for _, s := range f.Stables {
		id, _ := ledger.GetCurrencyID(s.Symbol)

		rate, err := ParseRate(s.IncentiveRate)
		if err != nil {
			return nil, fmt.Errorf("%s: incentive_rate: %w", s.Symbol, err)
		}
		serperID, err := uuid.Parse(s.Serper)
		if err != nil {
			return nil, fmt.Errorf("%s: serper: %w", s.Symbol, err)
		}

		p := serp.CurrencyParams{
			PegUnit:             s.PegUnit,
			Tolerance:           s.Tolerance,
			IncentiveRate:       rate,
			AdjustmentFrequency: s.AdjustmentFrequency,
			Serper:              serperID,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", s.Symbol, err)
		}
		params[id] = p
	}
	return params, nil
}

// ApplyMinimumBalances pushes the configured dust thresholds into the ledger
// registry. Called once at startup before the core starts processing.
func (f *CurrencyFile) ApplyMinimumBalances() {
	if f.Native.Symbol != "" {
		if id, ok := ledger.GetCurrencyID(f.Native.Symbol); ok {
			ledger.SetMinimumBalance(id, f.Native.MinimumBalance)
		}
	}
	for _, s := range f.Stables {
		if id, ok := ledger.GetCurrencyID(s.Symbol); ok {
			ledger.SetMinimumBalance(id, s.MinimumBalance)
		}
	}
}

// ParseRate converts a non-negative decimal string like "0.01" into a
// fixed-point int64 at RateScale. At most 9 fractional digits are accepted;
// the rate fits the controller's scale exactly or the parse fails.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("rate must not be negative: %q", s)
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 9 {
		return 0, fmt.Errorf("rate %q has more than 9 fractional digits", s)
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}

	var frac int64
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid rate %q: %w", s, err)
		}
		for i := len(fracPart); i < 9; i++ {
			frac *= 10
		}
	}

	if whole > (1<<63-1)/RateScale {
		return 0, fmt.Errorf("rate %q overflows", s)
	}
	return whole*RateScale + frac, nil
}
