package math

import (
	stdmath "math"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	MarginRatioPlaces = 4
	LeveragePlaces    = 2
)

// Ratio is an exact fixed-point ratio: the true value is scaled / 10^places.
// Infinite ratios carry no scaled value. Comparisons stay in integers; Float64
// and Decimal exist for presentation only.
type Ratio struct {
	scaled   *big.Int
	places   int32
	infinite bool
}

func NewRatio(scaled *big.Int, places int32) Ratio {
	return Ratio{scaled: new(big.Int).Set(valueOrZero(scaled)), places: places}
}

func InfiniteRatio(places int32) Ratio {
	return Ratio{places: places, infinite: true}
}

func (r Ratio) IsInf() bool { return r.infinite }

func (r Ratio) Places() int32 { return r.places }

// Scaled returns a copy of the scaled integer, or nil for an infinite ratio.
func (r Ratio) Scaled() *big.Int {
	if r.infinite {
		return nil
	}
	return new(big.Int).Set(valueOrZero(r.scaled))
}

// Cmp orders ratios of equal precision; +Inf compares above every finite value.
func (r Ratio) Cmp(other Ratio) int {
	switch {
	case r.infinite && other.infinite:
		return 0
	case r.infinite:
		return 1
	case other.infinite:
		return -1
	}
	a := decimal.NewFromBigInt(valueOrZero(r.scaled), -r.places)
	b := decimal.NewFromBigInt(valueOrZero(other.scaled), -other.places)
	return a.Cmp(b)
}

// CmpBps compares a margin ratio against a basis-point threshold.
func (r Ratio) CmpBps(bps uint64) int {
	if r.infinite {
		return 1
	}
	return r.Cmp(NewRatio(new(big.Int).SetUint64(bps), MarginRatioPlaces))
}

// Decimal returns the finite value as an exact decimal. Infinite ratios
// return ok=false.
func (r Ratio) Decimal() (d decimal.Decimal, ok bool) {
	if r.infinite {
		return decimal.Zero, false
	}
	return decimal.NewFromBigInt(valueOrZero(r.scaled), -r.places), true
}

// Float64 converts for display. Infinite ratios become +Inf.
func (r Ratio) Float64() float64 {
	if r.infinite {
		return stdmath.Inf(1)
	}
	d, _ := r.Decimal()
	return d.InexactFloat64()
}

func (r Ratio) String() string {
	if r.infinite {
		return "Infinity"
	}
	d, _ := r.Decimal()
	return d.StringFixed(r.places)
}
