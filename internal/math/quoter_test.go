package math_test

import (
	"math/big"
	"testing"

	fpmath "SerpLedger/internal/math"
)

// ============================================================================
// Test: Fixed-Point Division
// ============================================================================

func TestDivideInt128_BankersRounding(t *testing.T) {
	cases := []struct {
		numerator int64
		denom     int64
		want      int64
	}{
		{5, 2, 2},   // 2.5 rounds to even
		{7, 2, 4},   // 3.5 rounds to even
		{9, 2, 4},   // 4.5 rounds to even
		{11, 2, 6},  // 5.5 rounds to even
		{-5, 2, -2}, // -2.5 rounds to even
		{10, 4, 2},  // 2.5 rounds to even
		{7, 3, 2},   // 2.33 rounds down
		{8, 3, 3},   // 2.67 rounds up
	}

	for _, c := range cases {
		got := fpmath.DivideInt128(big.NewInt(c.numerator), c.denom, fpmath.RoundHalfEven)
		if got != c.want {
			t.Errorf("DivideInt128(%d, %d, HalfEven) = %d, want %d", c.numerator, c.denom, got, c.want)
		}
	}
}

func TestDivideInt128_RoundDown_IsFloor(t *testing.T) {
	// Euclidean division: toward negative infinity, not toward zero
	got := fpmath.DivideInt128(big.NewInt(-7), 2, fpmath.RoundDown)
	if got != -4 {
		t.Errorf("floor(-3.5) = %d, want -4", got)
	}

	got = fpmath.DivideInt128(big.NewInt(7), 2, fpmath.RoundDown)
	if got != 3 {
		t.Errorf("floor(3.5) = %d, want 3", got)
	}
}

func TestDivideUint128_Overflow(t *testing.T) {
	// (2^64 - 1) * 10 / 2 does not fit in uint64
	num := fpmath.MultiplyUint128(^uint64(0), 10)
	_, ok := fpmath.DivideUint128(num, 2, fpmath.RoundDown)
	if ok {
		t.Error("expected overflow for quotient beyond uint64")
	}
}

// ============================================================================
// Test: MarketPrice
// ============================================================================

func TestMarketPrice_Reference(t *testing.T) {
	// 1_100 / 1_000 = 1.1
	price, ok := fpmath.MarketPrice(1_100, 1_000)
	if !ok {
		t.Fatal("expected quotable market")
	}
	if price != 1_100_000_000 {
		t.Errorf("got %d, want 1_100_000_000 (1.1)", price)
	}
}

func TestMarketPrice_ZeroQuote_NotQuotable(t *testing.T) {
	_, ok := fpmath.MarketPrice(1_100, 0)
	if ok {
		t.Error("zero quote price should not be quotable")
	}
}

func TestMarketPrice_Rounding(t *testing.T) {
	price, ok := fpmath.MarketPrice(1, 3)
	if !ok {
		t.Fatal("expected quotable market")
	}
	if price != 333_333_333 {
		t.Errorf("1/3: got %d, want 333_333_333", price)
	}

	price, _ = fpmath.MarketPrice(2, 3)
	if price != 666_666_667 {
		t.Errorf("2/3: got %d, want 666_666_667", price)
	}
}

func TestDividePrice_Reference(t *testing.T) {
	// 10.0 / 1.102 = 9.074410163...
	settle, ok := fpmath.DividePrice(10_000_000_000, 1_102_000_000)
	if !ok {
		t.Fatal("expected valid division")
	}
	if settle != 9_074_410_163 {
		t.Errorf("got %d, want 9_074_410_163", settle)
	}

	_, ok = fpmath.DividePrice(10_000_000_000, 0)
	if ok {
		t.Error("division by zero price should not be ok")
	}
}

// ============================================================================
// Test: SerpQuote
// ============================================================================

func TestSerpQuote_Expansion(t *testing.T) {
	// market 1.1, rate 0.01: fractioned 0.1, quotation 0.1*0.02 = 0.002
	quoted := fpmath.SerpQuote(1_100_000_000, 10_000_000, fpmath.DirectionExpansion)
	if quoted != 1_102_000_000 {
		t.Errorf("got %d, want 1_102_000_000 (1.102)", quoted)
	}
}

func TestSerpQuote_Contraction(t *testing.T) {
	// market 0.9: fractioned -0.1, quotation -0.002, quoted 0.9 - (-0.002) = 0.902
	quoted := fpmath.SerpQuote(900_000_000, 10_000_000, fpmath.DirectionContraction)
	if quoted != 902_000_000 {
		t.Errorf("got %d, want 902_000_000 (0.902)", quoted)
	}
}

func TestSerpQuote_PremiumAboveMarketBothSides(t *testing.T) {
	rate := int64(10_000_000)

	above := fpmath.SerpQuote(1_100_000_000, rate, fpmath.DirectionExpansion)
	if above <= 1_100_000_000 {
		t.Errorf("expansion quote %d should exceed market", above)
	}

	below := fpmath.SerpQuote(900_000_000, rate, fpmath.DirectionContraction)
	if below <= 900_000_000 {
		t.Errorf("contraction quote %d should exceed market", below)
	}
}

func TestSerpQuote_ZeroRate_DegeneratesToMarket(t *testing.T) {
	for _, dir := range []fpmath.Direction{fpmath.DirectionExpansion, fpmath.DirectionContraction} {
		quoted := fpmath.SerpQuote(1_100_000_000, 0, dir)
		if quoted != 1_100_000_000 {
			t.Errorf("%s: got %d, want market price unchanged", dir, quoted)
		}
	}
}

// ============================================================================
// Test: NativeAmountFor
// ============================================================================

func TestNativeAmountFor_Reference(t *testing.T) {
	// settle = 10.0 / 1.102, change 100_000 → floor(100_000 * 1.102 / 10) = 11_020
	settle, ok := fpmath.DividePrice(10_000_000_000, 1_102_000_000)
	if !ok {
		t.Fatal("expected valid settle price")
	}

	amount, ok := fpmath.NativeAmountFor(settle, 100_000)
	if !ok {
		t.Fatal("expected convertible amount")
	}
	if amount != 11_020 {
		t.Errorf("got %d, want 11_020", amount)
	}
}

func TestNativeAmountFor_FloorBias(t *testing.T) {
	// 10 / 3.0 = 3.33 → 3
	amount, ok := fpmath.NativeAmountFor(3_000_000_000, 10)
	if !ok {
		t.Fatal("expected convertible amount")
	}
	if amount != 3 {
		t.Errorf("got %d, want 3 (floor)", amount)
	}
}

func TestNativeAmountFor_NonPositiveQuote(t *testing.T) {
	if _, ok := fpmath.NativeAmountFor(0, 10); ok {
		t.Error("zero quote should not convert")
	}
	if _, ok := fpmath.NativeAmountFor(-1, 10); ok {
		t.Error("negative quote should not convert")
	}
}

// ============================================================================
// Test: SupplyChange
// ============================================================================

func TestSupplyChange_Reference(t *testing.T) {
	// issuance 1_000_000, deviation +100, peg 1_000 → 100_000
	change := fpmath.SupplyChange(1_000_000, 100, 1_000)
	if change != 100_000 {
		t.Errorf("got %d, want 100_000", change)
	}
}

func TestSupplyChange_NegativeDeviation_SameMagnitude(t *testing.T) {
	up := fpmath.SupplyChange(1_000_000, 100, 1_000)
	down := fpmath.SupplyChange(1_000_000, -100, 1_000)
	if up != down {
		t.Errorf("magnitudes differ: +%d vs -%d", up, down)
	}
}

func TestSupplyChange_ZeroDeviation(t *testing.T) {
	if change := fpmath.SupplyChange(1_000_000, 0, 1_000); change != 0 {
		t.Errorf("got %d, want 0", change)
	}
}

func TestSupplyChange_Floor(t *testing.T) {
	// 1_001 * 1 / 3 = 333.67 → 333
	if change := fpmath.SupplyChange(1_001, 1, 3); change != 333 {
		t.Errorf("got %d, want 333", change)
	}
}

func TestSupplyChange_CappedAtIssuance(t *testing.T) {
	// deviation 5x the peg would imply a 5x change; capped to issuance
	if change := fpmath.SupplyChange(1_000, 5_000, 1_000); change != 1_000 {
		t.Errorf("got %d, want issuance cap 1_000", change)
	}
}

func TestSupplyChange_SubUnitDeviation_Zero(t *testing.T) {
	// floor(5 * 1 / 1_000) = 0
	if change := fpmath.SupplyChange(5, 1, 1_000); change != 0 {
		t.Errorf("got %d, want 0", change)
	}
}
