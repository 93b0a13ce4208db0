package math

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// invertNumerator is 1e6 * 1e6: inverting an e6 price yields another e6 price.
var invertNumerator = new(big.Int).Mul(bigE6, bigE6)

// InvertPriceE6 converts between a price and its reciprocal, both e6, rounding
// to the nearest unit. ok is false for a non-positive price.
func InvertPriceE6(priceE6 *big.Int) (*big.Int, bool) {
	priceE6 = valueOrZero(priceE6)
	if priceE6.Sign() <= 0 {
		return nil, false
	}
	return DivRound(invertNumerator, priceE6, RoundHalfEven), true
}

// DisplayPriceE6 maps a stored price to the underlying quote price. Inverted
// markets store 1/price, so the displayed value is re-inverted.
func DisplayPriceE6(storedE6 *big.Int, inverted bool) (*big.Int, bool) {
	if !inverted {
		storedE6 = valueOrZero(storedE6)
		return new(big.Int).Set(storedE6), storedE6.Sign() > 0
	}
	return InvertPriceE6(storedE6)
}

// E6ToDecimal renders an e6 fixed-point integer as a decimal.
func E6ToDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(valueOrZero(v), -6)
}

// DecimalToE6 converts a human price into e6 units, truncating extra digits.
func DecimalToE6(d decimal.Decimal) *big.Int {
	return d.Shift(6).Truncate(0).BigInt()
}
