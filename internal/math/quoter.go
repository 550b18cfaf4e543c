package math

// Direction selects the side of a supply adjustment.
type Direction int

const (
	DirectionExpansion Direction = iota + 1
	DirectionContraction
)

func (d Direction) String() string {
	switch d {
	case DirectionExpansion:
		return "expansion"
	case DirectionContraction:
		return "contraction"
	default:
		return "unknown"
	}
}

// MarketPrice returns base/quote as a fixed-point price.
// ok=false when quote is zero (no quotable market).
func MarketPrice(base, quote uint64) (int64, bool) {
	if quote == 0 {
		return 0, false
	}

	num := MultiplyUint128(base, uint64(PriceConfig.Scale))
	price, ok := DivideUint128(num, quote, RoundHalfEven)
	putInt128(num)

	if !ok || price > maxInt64 {
		return 0, false
	}
	return int64(price), true
}

// DividePrice returns a/b as a fixed-point price.
// ok=false when b is not positive.
func DividePrice(a, b int64) (int64, bool) {
	if b <= 0 || a < 0 {
		return 0, false
	}

	num := MultiplyInt128(a, PriceConfig.Scale)
	price := DivideInt128(num, b, RoundHalfEven)
	putInt128(num)

	return price, true
}

// SerpQuote prices a supply adjustment at a premium over the market price.
// The premium is proportional to the peg deviation already embedded in the
// market price: fractioned = market - 1.0, quotation = fractioned * (rate * 2).
// Expansion settles at market + quotation, contraction at market - quotation,
// so serpers are paid above market on both sides of the peg. A zero rate
// degenerates to the market price exactly.
func SerpQuote(market int64, rate int64, dir Direction) int64 {
	fractioned := market - OneUnit

	num := MultiplyInt128(fractioned, 2*rate)
	quotation := DivideInt128(num, RateConfig.Scale, RoundHalfEven)
	putInt128(num)

	if dir == DirectionContraction {
		return market - quotation
	}
	return market + quotation
}

// NativeAmountFor converts a stable-denominated supply change into native
// units at the quoted settlement price. Floor-rounded so the settled native
// amount never exceeds the value of the requested change.
// ok=false when the quoted price is not positive.
func NativeAmountFor(quoted int64, change uint64) (uint64, bool) {
	if quoted <= 0 {
		return 0, false
	}

	num := MultiplyUint128(change, uint64(PriceConfig.Scale))
	amount, ok := DivideUint128(num, uint64(quoted), RoundDown)
	putInt128(num)

	if !ok {
		return 0, false
	}
	return amount, true
}

// SupplyChange returns the proportional issuance adjustment for a peg
// deviation: floor(issuance * |deviation| / pegUnit), capped at issuance.
// A contraction can never burn more than exists and an expansion is held to
// the same bound so one tick at most doubles supply.
func SupplyChange(issuance uint64, deviation int64, pegUnit uint64) uint64 {
	if deviation == 0 || pegUnit == 0 || issuance == 0 {
		return 0
	}

	mag := uint64(deviation)
	if deviation < 0 {
		mag = -uint64(deviation)
	}

	num := MultiplyUint128(issuance, mag)
	change, ok := DivideUint128(num, pegUnit, RoundDown)
	putInt128(num)

	if !ok || change > issuance {
		return issuance
	}
	return change
}
