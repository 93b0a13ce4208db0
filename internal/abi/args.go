package abi

import (
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// CrankNoCaller is the caller index for a permissionless keeper crank.
const CrankNoCaller uint16 = 65535

// InitMarket creates a market on a freshly allocated slab.
type InitMarket struct {
	Admin                  solana.PublicKey
	CollateralMint         solana.PublicKey
	IndexFeedID            [32]byte
	MaxStalenessSecs       uint64
	ConfFilterBps          uint16
	Invert                 uint8
	UnitScale              uint32
	InitialMarkPriceE6     uint64
	WarmupPeriodSlots      uint64
	MaintenanceMarginBps   uint64
	InitialMarginBps       uint64
	TradingFeeBps          uint64
	MaxAccounts            uint64
	NewAccountFee          *big.Int
	RiskReductionThreshold *big.Int
	MaintenanceFeePerSlot  *big.Int
	MaxCrankStalenessSlots uint64
	LiquidationFeeBps      uint64
	LiquidationFeeCap      *big.Int
	LiquidationBufferBps   uint64
	MinLiquidationAbs      *big.Int
}

func (*InitMarket) Kind() Kind { return KindInitMarket }

func (ix *InitMarket) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.key(ix.Admin)
	w.key(ix.CollateralMint)
	w.bytes32(ix.IndexFeedID)
	w.u64(ix.MaxStalenessSecs)
	w.u16(ix.ConfFilterBps)
	w.u8(ix.Invert)
	w.u32(ix.UnitScale)
	w.u64(ix.InitialMarkPriceE6)
	w.u64(ix.WarmupPeriodSlots)
	w.u64(ix.MaintenanceMarginBps)
	w.u64(ix.InitialMarginBps)
	w.u64(ix.TradingFeeBps)
	w.u64(ix.MaxAccounts)
	w.u128(ix.NewAccountFee)
	w.u128(ix.RiskReductionThreshold)
	w.u128(ix.MaintenanceFeePerSlot)
	w.u64(ix.MaxCrankStalenessSlots)
	w.u64(ix.LiquidationFeeBps)
	w.u128(ix.LiquidationFeeCap)
	w.u64(ix.LiquidationBufferBps)
	w.u128(ix.MinLiquidationAbs)
	return w.err
}

func (ix *InitMarket) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.Admin = r.key()
	ix.CollateralMint = r.key()
	ix.IndexFeedID = r.bytes32()
	ix.MaxStalenessSecs = r.u64()
	ix.ConfFilterBps = r.u16()
	ix.Invert = r.u8()
	ix.UnitScale = r.u32()
	ix.InitialMarkPriceE6 = r.u64()
	ix.WarmupPeriodSlots = r.u64()
	ix.MaintenanceMarginBps = r.u64()
	ix.InitialMarginBps = r.u64()
	ix.TradingFeeBps = r.u64()
	ix.MaxAccounts = r.u64()
	ix.NewAccountFee = r.u128()
	ix.RiskReductionThreshold = r.u128()
	ix.MaintenanceFeePerSlot = r.u128()
	ix.MaxCrankStalenessSlots = r.u64()
	ix.LiquidationFeeBps = r.u64()
	ix.LiquidationFeeCap = r.u128()
	ix.LiquidationBufferBps = r.u64()
	ix.MinLiquidationAbs = r.u128()
	return r.err
}

// InitUser opens a user slot, paying the new-account fee.
type InitUser struct {
	FeePayment uint64
}

func (*InitUser) Kind() Kind { return KindInitUser }

func (ix *InitUser) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u64(ix.FeePayment)
	return w.err
}

func (ix *InitUser) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.FeePayment = r.u64()
	return r.err
}

// InitLP opens a liquidity-provider slot bound to a matcher program.
type InitLP struct {
	MatcherProgram solana.PublicKey
	MatcherContext solana.PublicKey
	FeePayment     uint64
}

func (*InitLP) Kind() Kind { return KindInitLP }

func (ix *InitLP) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.key(ix.MatcherProgram)
	w.key(ix.MatcherContext)
	w.u64(ix.FeePayment)
	return w.err
}

func (ix *InitLP) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.MatcherProgram = r.key()
	ix.MatcherContext = r.key()
	ix.FeePayment = r.u64()
	return r.err
}

type DepositCollateral struct {
	UserIdx uint16
	Amount  uint64
}

func (*DepositCollateral) Kind() Kind { return KindDepositCollateral }

func (ix *DepositCollateral) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.UserIdx)
	w.u64(ix.Amount)
	return w.err
}

func (ix *DepositCollateral) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.UserIdx = r.u16()
	ix.Amount = r.u64()
	return r.err
}

type WithdrawCollateral struct {
	UserIdx uint16
	Amount  uint64
}

func (*WithdrawCollateral) Kind() Kind { return KindWithdrawCollateral }

func (ix *WithdrawCollateral) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.UserIdx)
	w.u64(ix.Amount)
	return w.err
}

func (ix *WithdrawCollateral) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.UserIdx = r.u16()
	ix.Amount = r.u64()
	return r.err
}

// KeeperCrank advances funding and sweeps liquidations. CallerIdx is
// CrankNoCaller for a permissionless crank.
type KeeperCrank struct {
	CallerIdx  uint16
	AllowPanic bool
}

func (*KeeperCrank) Kind() Kind { return KindKeeperCrank }

func (ix *KeeperCrank) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.CallerIdx)
	w.boolean(ix.AllowPanic)
	return w.err
}

func (ix *KeeperCrank) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.CallerIdx = r.u16()
	ix.AllowPanic = r.boolean()
	return r.err
}

// TradeNoCpi trades directly against an LP that co-signs. Size is signed from
// the user's side.
type TradeNoCpi struct {
	LPIdx   uint16
	UserIdx uint16
	Size    *big.Int
}

func (*TradeNoCpi) Kind() Kind { return KindTradeNoCpi }

func (ix *TradeNoCpi) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.LPIdx)
	w.u16(ix.UserIdx)
	w.i128(ix.Size)
	return w.err
}

func (ix *TradeNoCpi) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.LPIdx = r.u16()
	ix.UserIdx = r.u16()
	ix.Size = r.i128()
	return r.err
}

type LiquidateAtOracle struct {
	TargetIdx uint16
}

func (*LiquidateAtOracle) Kind() Kind { return KindLiquidateAtOracle }

func (ix *LiquidateAtOracle) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.TargetIdx)
	return w.err
}

func (ix *LiquidateAtOracle) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.TargetIdx = r.u16()
	return r.err
}

type CloseAccount struct {
	UserIdx uint16
}

func (*CloseAccount) Kind() Kind { return KindCloseAccount }

func (ix *CloseAccount) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.UserIdx)
	return w.err
}

func (ix *CloseAccount) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.UserIdx = r.u16()
	return r.err
}

type TopUpInsurance struct {
	Amount uint64
}

func (*TopUpInsurance) Kind() Kind { return KindTopUpInsurance }

func (ix *TopUpInsurance) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u64(ix.Amount)
	return w.err
}

func (ix *TopUpInsurance) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.Amount = r.u64()
	return r.err
}

// TradeCpi trades through the LP's matcher program via cross-program
// invocation.
type TradeCpi struct {
	LPIdx   uint16
	UserIdx uint16
	Size    *big.Int
}

func (*TradeCpi) Kind() Kind { return KindTradeCpi }

func (ix *TradeCpi) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u16(ix.LPIdx)
	w.u16(ix.UserIdx)
	w.i128(ix.Size)
	return w.err
}

func (ix *TradeCpi) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.LPIdx = r.u16()
	ix.UserIdx = r.u16()
	ix.Size = r.i128()
	return r.err
}

type SetRiskThreshold struct {
	NewThreshold *big.Int
}

func (*SetRiskThreshold) Kind() Kind { return KindSetRiskThreshold }

func (ix *SetRiskThreshold) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u128(ix.NewThreshold)
	return w.err
}

func (ix *SetRiskThreshold) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.NewThreshold = r.u128()
	return r.err
}

type UpdateAdmin struct {
	NewAdmin solana.PublicKey
}

func (*UpdateAdmin) Kind() Kind { return KindUpdateAdmin }

func (ix *UpdateAdmin) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.key(ix.NewAdmin)
	return w.err
}

func (ix *UpdateAdmin) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.NewAdmin = r.key()
	return r.err
}

// UpdateConfig retunes the funding curve and the adaptive risk threshold.
type UpdateConfig struct {
	FundingHorizonSlots       uint64
	FundingKBps               uint64
	FundingInvScaleNotionalE6 *big.Int
	FundingMaxPremiumBps      int64
	FundingMaxBpsPerSlot      int64
	ThreshFloor               *big.Int
	ThreshRiskBps             uint64
	ThreshUpdateIntervalSlots uint64
	ThreshStepBps             uint64
	ThreshAlphaBps            uint64
	ThreshMin                 *big.Int
	ThreshMax                 *big.Int
	ThreshMinStep             *big.Int
}

// DefaultUpdateConfig returns the program's stock funding and threshold
// parameters.
func DefaultUpdateConfig() *UpdateConfig {
	return &UpdateConfig{
		FundingHorizonSlots:       500,
		FundingKBps:               100,
		FundingInvScaleNotionalE6: new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil),
		FundingMaxPremiumBps:      500,
		FundingMaxBpsPerSlot:      5,
		ThreshFloor:               big.NewInt(0),
		ThreshRiskBps:             50,
		ThreshUpdateIntervalSlots: 10,
		ThreshStepBps:             500,
		ThreshAlphaBps:            1000,
		ThreshMin:                 big.NewInt(0),
		ThreshMax:                 new(big.Int).Exp(big.NewInt(10), big.NewInt(22), nil),
		ThreshMinStep:             big.NewInt(1),
	}
}

func (*UpdateConfig) Kind() Kind { return KindUpdateConfig }

func (ix *UpdateConfig) MarshalWithEncoder(enc *bin.Encoder) error {
	w := newWriter(enc)
	w.u64(ix.FundingHorizonSlots)
	w.u64(ix.FundingKBps)
	w.u128(ix.FundingInvScaleNotionalE6)
	w.i64(ix.FundingMaxPremiumBps)
	w.i64(ix.FundingMaxBpsPerSlot)
	w.u128(ix.ThreshFloor)
	w.u64(ix.ThreshRiskBps)
	w.u64(ix.ThreshUpdateIntervalSlots)
	w.u64(ix.ThreshStepBps)
	w.u64(ix.ThreshAlphaBps)
	w.u128(ix.ThreshMin)
	w.u128(ix.ThreshMax)
	w.u128(ix.ThreshMinStep)
	return w.err
}

func (ix *UpdateConfig) UnmarshalWithDecoder(dec *bin.Decoder) error {
	r := newReader(dec)
	ix.FundingHorizonSlots = r.u64()
	ix.FundingKBps = r.u64()
	ix.FundingInvScaleNotionalE6 = r.u128()
	ix.FundingMaxPremiumBps = r.i64()
	ix.FundingMaxBpsPerSlot = r.i64()
	ix.ThreshFloor = r.u128()
	ix.ThreshRiskBps = r.u64()
	ix.ThreshUpdateIntervalSlots = r.u64()
	ix.ThreshStepBps = r.u64()
	ix.ThreshAlphaBps = r.u64()
	ix.ThreshMin = r.u128()
	ix.ThreshMax = r.u128()
	ix.ThreshMinStep = r.u128()
	return r.err
}
