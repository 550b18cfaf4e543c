package config

import (
	"os"
	"path/filepath"
	"testing"

	"SerpLedger/internal/ledger"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1_000_000_000},
		{"0.01", 10_000_000},
		{"0.5", 500_000_000},
		{"2.25", 2_250_000_000},
		{"0.000000001", 1},
		{".5", 500_000_000},
	}
	for _, c := range cases {
		got, err := ParseRate(c.in)
		if err != nil {
			t.Fatalf("ParseRate(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseRate(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRate_Rejects(t *testing.T) {
	for _, in := range []string{"", "-0.01", "0.0000000001", "abc", "1.x"} {
		if _, err := ParseRate(in); err == nil {
			t.Errorf("ParseRate(%q) should fail", in)
		}
	}
}

func TestLoadCurrencyFile(t *testing.T) {
	path := writeTempTOML(t, `
[native]
symbol = "RSV"
minimum_balance = 1000

[[stable]]
symbol = "USDX"
peg_unit = 1000000
tolerance = 5000
incentive_rate = "0.01"
adjustment_frequency = 12
serper = "e7a1f1f0-1111-4a61-9e7e-000000000001"
minimum_balance = 100

[[stable]]
symbol = "EURX"
peg_unit = 1000000
tolerance = 10000
incentive_rate = "0.02"
adjustment_frequency = 24
serper = "e7a1f1f0-1111-4a61-9e7e-000000000002"
`)

	f, err := LoadCurrencyFile(path)
	if err != nil {
		t.Fatalf("LoadCurrencyFile: %v", err)
	}

	params, err := f.StableParams()
	if err != nil {
		t.Fatalf("StableParams: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("expected 2 stable param sets, got %d", len(params))
	}

	usdx := params[ledger.CurrencyUSDX]
	if usdx.PegUnit != 1_000_000 {
		t.Errorf("USDX peg unit = %d", usdx.PegUnit)
	}
	if usdx.IncentiveRate != 10_000_000 {
		t.Errorf("USDX incentive rate = %d, want 0.01 at scale 1e9", usdx.IncentiveRate)
	}
	if usdx.AdjustmentFrequency != 12 {
		t.Errorf("USDX adjustment frequency = %d", usdx.AdjustmentFrequency)
	}

	eurx := params[ledger.CurrencyEURX]
	if eurx.Tolerance != 10_000 {
		t.Errorf("EURX tolerance = %d", eurx.Tolerance)
	}
}

func TestLoadCurrencyFile_UnknownSymbol(t *testing.T) {
	path := writeTempTOML(t, `
[[stable]]
symbol = "DOGE"
peg_unit = 1
incentive_rate = "0"
adjustment_frequency = 1
serper = "e7a1f1f0-1111-4a61-9e7e-000000000001"
`)

	if _, err := LoadCurrencyFile(path); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}

func TestLoadCurrencyFile_NativeAsStable(t *testing.T) {
	path := writeTempTOML(t, `
[[stable]]
symbol = "RSV"
peg_unit = 1
incentive_rate = "0"
adjustment_frequency = 1
serper = "e7a1f1f0-1111-4a61-9e7e-000000000001"
`)

	if _, err := LoadCurrencyFile(path); err == nil {
		t.Fatal("expected error for native token in stable section")
	}
}

func TestStableParams_BadSerper(t *testing.T) {
	path := writeTempTOML(t, `
[[stable]]
symbol = "USDX"
peg_unit = 1000000
incentive_rate = "0.01"
adjustment_frequency = 12
serper = "not-a-uuid"
`)

	f, err := LoadCurrencyFile(path)
	if err != nil {
		t.Fatalf("LoadCurrencyFile: %v", err)
	}
	if _, err := f.StableParams(); err == nil {
		t.Fatal("expected error for invalid serper UUID")
	}
}

func TestApplyMinimumBalances(t *testing.T) {
	path := writeTempTOML(t, `
[native]
symbol = "RSV"
minimum_balance = 777

[[stable]]
symbol = "GBPX"
peg_unit = 1000000
tolerance = 0
incentive_rate = "0"
adjustment_frequency = 1
serper = "e7a1f1f0-1111-4a61-9e7e-000000000003"
minimum_balance = 55
`)

	f, err := LoadCurrencyFile(path)
	if err != nil {
		t.Fatalf("LoadCurrencyFile: %v", err)
	}

	prevRSV := ledger.MinimumBalance(ledger.CurrencyRSV)
	prevGBPX := ledger.MinimumBalance(ledger.CurrencyGBPX)
	defer func() {
		ledger.SetMinimumBalance(ledger.CurrencyRSV, prevRSV)
		ledger.SetMinimumBalance(ledger.CurrencyGBPX, prevGBPX)
	}()

	f.ApplyMinimumBalances()

	if got := ledger.MinimumBalance(ledger.CurrencyRSV); got != 777 {
		t.Errorf("RSV minimum balance = %d, want 777", got)
	}
	if got := ledger.MinimumBalance(ledger.CurrencyGBPX); got != 55 {
		t.Errorf("GBPX minimum balance = %d, want 55", got)
	}
}

func writeTempTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "currencies.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp toml: %v", err)
	}
	return path
}
