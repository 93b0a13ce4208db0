package state

import "math/big"

// InsuranceFund wraps the on-chain insurance balance. When a liquidation
// leaves negative equity the fund absorbs the shortfall; whatever it cannot
// cover is socialized.
type InsuranceFund struct {
	balance *big.Int
}

func NewInsuranceFund(balance *big.Int) *InsuranceFund {
	b := new(big.Int)
	if balance != nil {
		b.Set(balance)
	}
	return &InsuranceFund{balance: b}
}

func (f *InsuranceFund) Balance() *big.Int {
	return new(big.Int).Set(f.balance)
}

// CanCoverDeficit checks if the insurance fund has enough balance to cover a deficit.
func (f *InsuranceFund) CanCoverDeficit(deficit *big.Int) bool {
	return f.balance.Cmp(deficit) >= 0
}

// ComputeCoverage returns how much the insurance fund can cover.
// If the fund is insufficient, returns the partial amount and the remaining deficit.
func (f *InsuranceFund) ComputeCoverage(deficit *big.Int) (covered *big.Int, remaining *big.Int) {
	if deficit == nil || deficit.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	if f.CanCoverDeficit(deficit) {
		return new(big.Int).Set(deficit), new(big.Int)
	}
	return new(big.Int).Set(f.balance), new(big.Int).Sub(deficit, f.balance)
}
