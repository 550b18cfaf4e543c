// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig = DecimalConfig{DecimalPrecision: 9, Scale: 1_000_000_000} // price ratios (stable units per peg unit)
	RateConfig  = DecimalConfig{DecimalPrecision: 9, Scale: 1_000_000_000} // serping incentive rate
)

// OneUnit is 1.0 in price scale.
const OneUnit int64 = 1_000_000_000

const maxInt64 = 1<<63 - 1

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// MultiplyUint128 performs a * b for unsigned balance magnitudes
func MultiplyUint128(a, b uint64) *big.Int {
	x := getInt128().SetUint64(a)
	y := getInt128().SetUint64(b)
	result := getInt128()
	result.Mul(x, y)
	putInt128(x)
	putInt128(y)
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// big.Int DivMod is Euclidean (remainder always in [0, |denominator|)), so
// the raw quotient is a floor: RoundDown means toward negative infinity.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}

	case RoundUp:
		if remainder.Sign() > 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// DivideUint128 performs numerator / denominator for unsigned magnitudes.
// Returns ok=false when the result does not fit in uint64.
func DivideUint128(numerator *big.Int, denominator uint64, roundingMode RoundingMode) (uint64, bool) {
	denom := getInt128().SetUint64(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	if !quotient.IsUint64() {
		putInt128(denom)
		putInt128(quotient)
		putInt128(remainder)
		return 0, false
	}

	result := quotient.Uint64()

	switch roundingMode {
	case RoundHalfEven:
		half := getInt128().SetUint64(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
		putInt128(half)

	case RoundUp:
		if remainder.Sign() > 0 {
			result++
		}
	}

	putInt128(denom)
	putInt128(quotient)
	putInt128(remainder)

	return result, true
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)
