package math

import (
	"math/big"
	"sync"
)

const (
	// PriceScale is the e6 fixed-point scale used for prices and PnL.
	PriceScale = 1_000_000
	// BpsScale is the number of basis points in 100%.
	BpsScale = 10_000
)

var (
	bigE6  = big.NewInt(PriceScale)
	bigBps = big.NewInt(BpsScale)
	bigOne = big.NewInt(1)
)

// Scratch big.Ints for intermediate products. Values handed back to callers
// are always freshly allocated; pooled values never escape.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundTowardZero RoundingMode = iota // Truncation, matches on-chain integer division
	RoundHalfEven                       // Banker's rounding
	RoundDown                           // Toward negative infinity
	RoundUp                             // Toward positive infinity
)

// DivRound returns numerator / denominator rounded with mode. The caller must
// guarantee a non-zero denominator.
func DivRound(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	// QuoRem truncates toward zero.
	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient
	}

	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)

	switch mode {
	case RoundDown:
		if negative {
			quotient.Sub(quotient, bigOne)
		}
	case RoundUp:
		if !negative {
			quotient.Add(quotient, bigOne)
		}
	case RoundHalfEven:
		twiceRem := getInt128()
		defer putInt128(twiceRem)
		twiceRem.Abs(remainder)
		twiceRem.Lsh(twiceRem, 1)

		absDen := getInt128()
		defer putInt128(absDen)
		absDen.Abs(denominator)

		cmp := twiceRem.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			if negative {
				quotient.Sub(quotient, bigOne)
			} else {
				quotient.Add(quotient, bigOne)
			}
		}
	}
	return quotient
}

// MulDiv computes a * b / denominator in one rounding step.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	product := getInt128()
	defer putInt128(product)
	product.Mul(a, b)
	return DivRound(product, denominator, mode)
}

// valueOrZero lets callers pass nil for an absent quantity.
func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
