package slab

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// MarketConfig is the market's static configuration plus the last prices the
// program recorded. Prices are e6; inverted markets store 1/price.
type MarketConfig struct {
	CollateralMint      solana.PublicKey
	Vault               solana.PublicKey
	IndexFeedID         [32]byte
	MaxStalenessSlots   uint64
	ConfFilterBps       uint16
	Invert              bool
	UnitScale           uint8
	MarkPriceE6         uint64
	IndexPriceE6        uint64
	OraclePriceCapE2bps uint16
	VaultAuthorityBump  uint8
}

// IsHyperp reports whether the market has no external price feed and its mark
// price is set by the admin.
func (c MarketConfig) IsHyperp() bool {
	return c.IndexFeedID == [32]byte{}
}

// EngineState holds the risk engine's aggregate accumulators.
type EngineState struct {
	FundingRateBpsPerSlot int64
	FundingIndexQpbE6     *big.Int
	TotalOpenInterest     *big.Int
	Vault                 uint64
	LastCrankSlot         uint64
}

// InsuranceFund is the pooled balance that absorbs socialized losses.
type InsuranceFund struct {
	Balance    *big.Int
	FeeRevenue *big.Int
}

// RiskParams are the market's margin and fee parameters.
type RiskParams struct {
	WarmupPeriodSlots      uint64
	MaintenanceMarginBps   uint16
	InitialMarginBps       uint16
	TradingFeeBps          uint16
	LiquidationFeeBps      uint16
	LiquidationBufferBps   uint16
	MaxAccounts            uint64
	NewAccountFee          uint64
	RiskReductionThreshold *big.Int
	MaintenanceFeePerSlot  *big.Int
	MaxCrankStalenessSlots uint64
	LiquidationFeeCap      *big.Int
	MinLiquidationAbs      *big.Int
}

// ParseConfig reads the market configuration section.
func ParseConfig(buf []byte) (MarketConfig, error) {
	if err := requireLen(buf, ConfigOff+ConfigLen, "config"); err != nil {
		return MarketConfig{}, err
	}

	r := newFieldReader(buf)
	cfg := MarketConfig{
		CollateralMint:      r.pubkey(CfgCollateralMintOff),
		Vault:               r.pubkey(CfgVaultOff),
		IndexFeedID:         r.bytes32(CfgIndexFeedIDOff),
		MaxStalenessSlots:   r.u64(CfgMaxStalenessOff),
		ConfFilterBps:       r.u16(CfgConfFilterBpsOff),
		Invert:              r.u8(CfgInvertOff) != 0,
		UnitScale:           r.u8(CfgUnitScaleOff),
		MarkPriceE6:         r.u64(CfgMarkPriceOff),
		IndexPriceE6:        r.u64(CfgIndexPriceOff),
		OraclePriceCapE2bps: r.u16(CfgOraclePriceCapOff),
		VaultAuthorityBump:  r.u8(CfgVaultBumpOff),
	}
	if r.err != nil {
		return MarketConfig{}, r.err
	}
	return cfg, nil
}

// ParseEngine reads the risk engine accumulators.
func ParseEngine(buf []byte) (EngineState, error) {
	if err := requireLen(buf, EngineOff+EngineLen, "engine"); err != nil {
		return EngineState{}, err
	}

	r := newFieldReader(buf)
	eng := EngineState{
		FundingRateBpsPerSlot: r.i64(EngFundingRateOff),
		FundingIndexQpbE6:     r.i128(EngFundingIndexOff),
		TotalOpenInterest:     r.u128(EngOpenInterestOff),
		Vault:                 r.u64(EngVaultOff),
		LastCrankSlot:         r.u64(EngLastCrankSlotOff),
	}
	if r.err != nil {
		return EngineState{}, r.err
	}
	return eng, nil
}

// ParseInsuranceFund reads the insurance fund balance and fee revenue.
func ParseInsuranceFund(buf []byte) (InsuranceFund, error) {
	if err := requireLen(buf, InsuranceOff+InsuranceLen, "insurance fund"); err != nil {
		return InsuranceFund{}, err
	}

	r := newFieldReader(buf)
	fund := InsuranceFund{
		Balance:    r.u128(InsBalanceOff),
		FeeRevenue: r.u128(InsFeeRevenueOff),
	}
	if r.err != nil {
		return InsuranceFund{}, r.err
	}
	return fund, nil
}

// ParseParams reads the margin and fee parameters.
func ParseParams(buf []byte) (RiskParams, error) {
	if err := requireLen(buf, ParamsOff+ParamsLen, "risk params"); err != nil {
		return RiskParams{}, err
	}

	r := newFieldReader(buf)
	p := RiskParams{
		WarmupPeriodSlots:      r.u64(PrmWarmupOff),
		MaintenanceMarginBps:   r.u16(PrmMaintenanceMarginOff),
		InitialMarginBps:       r.u16(PrmInitialMarginOff),
		TradingFeeBps:          r.u16(PrmTradingFeeOff),
		LiquidationFeeBps:      r.u16(PrmLiquidationFeeBpsOff),
		LiquidationBufferBps:   r.u16(PrmLiquidationBufferOff),
		MaxAccounts:            r.u64(PrmMaxAccountsOff),
		NewAccountFee:          r.u64(PrmNewAccountFeeOff),
		RiskReductionThreshold: r.u128(PrmRiskReductionOff),
		MaintenanceFeePerSlot:  r.u128(PrmMaintenanceFeeOff),
		MaxCrankStalenessSlots: r.u64(PrmMaxCrankStalenessOff),
		LiquidationFeeCap:      r.u128(PrmLiquidationFeeCapOff),
		MinLiquidationAbs:      r.u128(PrmMinLiquidationAbsOff),
	}
	if r.err != nil {
		return RiskParams{}, r.err
	}
	return p, nil
}

// ReadLastCrankSlot returns the slot of the most recent keeper crank.
func ReadLastCrankSlot(buf []byte) (uint64, error) {
	if err := requireLen(buf, EngineOff+EngineLen, "engine"); err != nil {
		return 0, err
	}
	r := newFieldReader(buf)
	slot := r.u64(EngLastCrankSlotOff)
	return slot, r.err
}
