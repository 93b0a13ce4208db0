package math

import "math/big"

// SlotsPerHour assumes the 400ms target slot time.
const SlotsPerHour = 9_000

// FundingBpsPerHour converts a per-slot funding rate to a per-hour rate.
func FundingBpsPerHour(bpsPerSlot int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(bpsPerSlot), big.NewInt(SlotsPerHour))
}

// ComputeFundingPayment estimates the funding a position pays over a number of
// slots at a constant per-slot rate.
// Returns: payment amount (positive = position pays, negative = receives).
func ComputeFundingPayment(size, markPriceE6 *big.Int, bpsPerSlot int64, slots uint64) *big.Int {
	size = valueOrZero(size)
	if size.Sign() == 0 || bpsPerSlot == 0 || slots == 0 {
		return new(big.Int)
	}

	notional := Notional(size, markPriceE6)

	rate := getInt128()
	defer putInt128(rate)
	rate.Mul(big.NewInt(bpsPerSlot), new(big.Int).SetUint64(slots))

	payment := MulDiv(notional, rate, bigBps, RoundTowardZero)

	// Longs pay a positive rate, shorts receive it.
	if size.Sign() < 0 {
		payment.Neg(payment)
	}
	return payment
}

// FundingIndexDelta converts a movement of the engine's funding index
// (quote per base, e6) into the amount owed by a position of the given size.
func FundingIndexDelta(size, indexBefore, indexAfter *big.Int) *big.Int {
	delta := getInt128()
	defer putInt128(delta)
	delta.Sub(valueOrZero(indexAfter), valueOrZero(indexBefore))
	return MulDiv(valueOrZero(size), delta, bigE6, RoundTowardZero)
}
