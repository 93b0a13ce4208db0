package slab

// Byte layout of the slab account. These offsets mirror the on-chain
// program's #[repr(C)] structs and must change in lockstep with it.
const (
	Magic   uint32 = 0x43524550 // "PERC" little-endian
	Version uint16 = 1

	PubkeyLen = 32

	// Header
	HeaderOff      = 0
	HeaderMagicOff = 0
	HeaderVerOff   = 4
	HeaderAdminOff = 8
	HeaderNonceOff = 40
	HeaderLen      = 48

	// MarketConfig
	ConfigOff            = HeaderOff + HeaderLen
	CfgCollateralMintOff = ConfigOff + 0
	CfgVaultOff          = ConfigOff + 32
	CfgIndexFeedIDOff    = ConfigOff + 64
	CfgMaxStalenessOff   = ConfigOff + 96
	CfgConfFilterBpsOff  = ConfigOff + 104
	CfgInvertOff         = ConfigOff + 106
	CfgUnitScaleOff      = ConfigOff + 107
	CfgMarkPriceOff      = ConfigOff + 112
	CfgIndexPriceOff     = ConfigOff + 120
	CfgOraclePriceCapOff = ConfigOff + 128
	CfgVaultBumpOff      = ConfigOff + 130
	ConfigLen            = 136

	// EngineState
	EngineOff           = ConfigOff + ConfigLen
	EngFundingRateOff   = EngineOff + 0
	EngFundingIndexOff  = EngineOff + 8
	EngOpenInterestOff  = EngineOff + 24
	EngVaultOff         = EngineOff + 40
	EngLastCrankSlotOff = EngineOff + 48
	EngineLen           = 56

	// InsuranceFund
	InsuranceOff     = EngineOff + EngineLen
	InsBalanceOff    = InsuranceOff + 0
	InsFeeRevenueOff = InsuranceOff + 16
	InsuranceLen     = 32

	// RiskParams
	ParamsOff               = InsuranceOff + InsuranceLen
	PrmWarmupOff            = ParamsOff + 0
	PrmMaintenanceMarginOff = ParamsOff + 8
	PrmInitialMarginOff     = ParamsOff + 10
	PrmTradingFeeOff        = ParamsOff + 12
	PrmLiquidationFeeBpsOff = ParamsOff + 14
	PrmLiquidationBufferOff = ParamsOff + 16
	PrmMaxAccountsOff       = ParamsOff + 24
	PrmNewAccountFeeOff     = ParamsOff + 32
	PrmRiskReductionOff     = ParamsOff + 40
	PrmMaintenanceFeeOff    = ParamsOff + 56
	PrmMaxCrankStalenessOff = ParamsOff + 72
	PrmLiquidationFeeCapOff = ParamsOff + 80
	PrmMinLiquidationAbsOff = ParamsOff + 96
	ParamsLen               = 112

	// Account slots start right after the fixed sections.
	AccountsOff = ParamsOff + ParamsLen

	// AccountSlot (relative to the slot start)
	AcctOwnerOff          = 0
	AcctCapitalOff        = 32
	AcctPositionSizeOff   = 40
	AcctEntryPriceOff     = 56
	AcctKindOff           = 64
	AcctMatcherProgramOff = 72
	AcctMatcherContextOff = 104
	AcctIDOff             = 136
	AccountSize           = 144
)

// Capacity tiers the program can be deployed with.
const (
	CapacitySmall  = 256
	CapacityMedium = 1024
	CapacityLarge  = 4096
)

var capacityTiers = [...]int{CapacitySmall, CapacityMedium, CapacityLarge}

// Layout describes the variable-size tail of a slab for one capacity tier.
type Layout struct {
	Capacity  int
	BitmapOff int
	BitmapLen int
	TotalLen  int
}

// LayoutFor returns the layout of a slab holding capacity account slots.
func LayoutFor(capacity int) Layout {
	bitmapOff := AccountsOff + capacity*AccountSize
	bitmapLen := (capacity + 7) / 8
	return Layout{
		Capacity:  capacity,
		BitmapOff: bitmapOff,
		BitmapLen: bitmapLen,
		TotalLen:  bitmapOff + bitmapLen,
	}
}

// DetectLayout selects the capacity tier whose total size equals n.
func DetectLayout(n int) (Layout, bool) {
	for _, c := range capacityTiers {
		l := LayoutFor(c)
		if l.TotalLen == n {
			return l, true
		}
	}
	return Layout{}, false
}

// AccountOffset returns the byte offset of slot index.
func (l Layout) AccountOffset(index int) int {
	return AccountsOff + index*AccountSize
}
