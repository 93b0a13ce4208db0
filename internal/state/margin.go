package state

import (
	fpmath "Percolator/internal/math"
	"math/big"
)

// MarginStatus represents an account's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// ClassifyMargin compares a margin ratio with the market's thresholds.
// Below maintenance is Liquidatable, below initial is AtRisk. A position
// without exposure has an infinite ratio and is always Healthy.
func ClassifyMargin(ratio fpmath.Ratio, initialBps, maintenanceBps uint64) MarginStatus {
	if ratio.IsInf() {
		return MarginStatusHealthy
	}
	if ratio.CmpBps(maintenanceBps) < 0 {
		return MarginStatusLiquidatable
	}
	if ratio.CmpBps(initialBps) < 0 {
		return MarginStatusAtRisk
	}
	return MarginStatusHealthy
}

// MarginCalculator evaluates accounts against one market's prices and params.
type MarginCalculator struct {
	markPriceE6    *big.Int
	initialBps     uint64
	maintenanceBps uint64
}

func NewMarginCalculator(markPriceE6 uint64, initialBps, maintenanceBps uint16) *MarginCalculator {
	return &MarginCalculator{
		markPriceE6:    new(big.Int).SetUint64(markPriceE6),
		initialBps:     uint64(initialBps),
		maintenanceBps: uint64(maintenanceBps),
	}
}

// MarginMetrics are the derived risk figures for one account.
type MarginMetrics struct {
	UnrealizedPnL    *big.Int
	EffectiveCapital *big.Int
	Notional         *big.Int
	MarginRatio      fpmath.Ratio
	Leverage         fpmath.Ratio
	LiquidationPrice *big.Int // nil when the position cannot be liquidated by price
	Status           MarginStatus
}

// Compute derives margin metrics for a position of size at entry with the
// given capital.
func (mc *MarginCalculator) Compute(size *big.Int, entryPriceE6, capital uint64) MarginMetrics {
	entry := new(big.Int).SetUint64(entryPriceE6)
	capitalAmt := new(big.Int).SetUint64(capital)

	pnl := fpmath.UnrealizedPnL(size, entry, mc.markPriceE6)
	effCap := fpmath.EffectiveCapital(capitalAmt, pnl)
	notional := fpmath.Notional(size, mc.markPriceE6)
	ratio := fpmath.MarginRatio(effCap, notional)

	m := MarginMetrics{
		UnrealizedPnL:    pnl,
		EffectiveCapital: effCap,
		Notional:         notional,
		MarginRatio:      ratio,
		Leverage:         fpmath.Leverage(size, mc.markPriceE6, effCap),
		Status:           ClassifyMargin(ratio, mc.initialBps, mc.maintenanceBps),
	}
	if liq, ok := fpmath.LiquidationPrice(size, entry, capitalAmt, mc.maintenanceBps); ok {
		m.LiquidationPrice = liq
	}
	return m
}

// Deficit returns how far capital plus PnL is below zero, or zero.
func Deficit(capital uint64, pnl *big.Int) *big.Int {
	sum := new(big.Int).Add(new(big.Int).SetUint64(capital), pnl)
	if sum.Sign() >= 0 {
		return new(big.Int)
	}
	return sum.Neg(sum)
}
