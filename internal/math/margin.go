package math

import "math/big"

// UnrealizedPnL returns size * (mark - entry) / 1e6, truncated toward zero.
// All prices are e6 in whatever representation the market stores; for an
// inverted market the caller passes inverted prices.
func UnrealizedPnL(size, entryPriceE6, markPriceE6 *big.Int) *big.Int {
	size = valueOrZero(size)
	if size.Sign() == 0 {
		return new(big.Int)
	}

	diff := getInt128()
	defer putInt128(diff)
	diff.Sub(valueOrZero(markPriceE6), valueOrZero(entryPriceE6))

	return MulDiv(size, diff, bigE6, RoundTowardZero)
}

// EffectiveCapital returns max(0, capital + pnl).
func EffectiveCapital(capital, pnl *big.Int) *big.Int {
	sum := new(big.Int).Add(valueOrZero(capital), valueOrZero(pnl))
	if sum.Sign() < 0 {
		return sum.SetInt64(0)
	}
	return sum
}

// Notional returns |size| * mark / 1e6.
func Notional(size, markPriceE6 *big.Int) *big.Int {
	absSize := getInt128()
	defer putInt128(absSize)
	absSize.Abs(valueOrZero(size))

	return MulDiv(absSize, valueOrZero(markPriceE6), bigE6, RoundTowardZero)
}

// MarginRatio returns effCap / notional with four decimal places, i.e. the
// ratio expressed in basis points. It is infinite when notional is zero.
func MarginRatio(effectiveCapital, notional *big.Int) Ratio {
	notional = valueOrZero(notional)
	if notional.Sign() == 0 {
		return InfiniteRatio(MarginRatioPlaces)
	}
	scaled := MulDiv(valueOrZero(effectiveCapital), bigBps, notional, RoundTowardZero)
	return NewRatio(scaled, MarginRatioPlaces)
}

// Leverage returns notional / effCap with two decimal places. It is infinite
// when effCap <= 0, even for a flat position, and zero when a capitalized
// position has no notional.
func Leverage(size, markPriceE6, effectiveCapital *big.Int) Ratio {
	effectiveCapital = valueOrZero(effectiveCapital)
	if effectiveCapital.Sign() <= 0 {
		return InfiniteRatio(LeveragePlaces)
	}
	notional := Notional(size, markPriceE6)
	if notional.Sign() == 0 {
		return NewRatio(new(big.Int), LeveragePlaces)
	}
	scaled := MulDiv(notional, big.NewInt(100), effectiveCapital, RoundTowardZero)
	return NewRatio(scaled, LeveragePlaces)
}

// LiquidationPrice solves for the mark price at which the margin ratio falls
// to maintenanceBps / 10000.
//
//	long:  p = (size*entry - capital*1e6) * 10000 / (size * (10000 - mm))
//	short: p = (capital*1e6 + |size|*entry) * 10000 / (|size| * (10000 + mm))
//
// ok is false when the position is flat, the denominator vanishes, or the
// solved price is not positive (the position cannot be liquidated by price).
func LiquidationPrice(size, entryPriceE6, capital *big.Int, maintenanceBps uint64) (price *big.Int, ok bool) {
	size = valueOrZero(size)
	if size.Sign() == 0 {
		return nil, false
	}

	absSize := getInt128()
	defer putInt128(absSize)
	absSize.Abs(size)

	capitalE6 := getInt128()
	defer putInt128(capitalE6)
	capitalE6.Mul(valueOrZero(capital), bigE6)

	exposure := getInt128()
	defer putInt128(exposure)
	exposure.Mul(absSize, valueOrZero(entryPriceE6))

	mm := new(big.Int).SetUint64(maintenanceBps)
	numerator := getInt128()
	defer putInt128(numerator)
	factor := getInt128()
	defer putInt128(factor)

	if size.Sign() > 0 {
		numerator.Sub(exposure, capitalE6)
		factor.Sub(bigBps, mm)
	} else {
		numerator.Add(capitalE6, exposure)
		factor.Add(bigBps, mm)
	}
	numerator.Mul(numerator, bigBps)

	denominator := getInt128()
	defer putInt128(denominator)
	denominator.Mul(absSize, factor)
	if denominator.Sign() == 0 {
		return nil, false
	}

	price = DivRound(numerator, denominator, RoundTowardZero)
	if price.Sign() <= 0 {
		return nil, false
	}
	return price, true
}
