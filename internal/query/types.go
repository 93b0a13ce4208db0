package query

import (
	"encoding/json"
	"time"
)

// MarketResponse is the overview of one market as of its latest snapshot.
// Prices are decimal strings in the quote representation; raw e6 figures
// are kept alongside in the stored representation.
type MarketResponse struct {
	Slab     string `json:"slab"`
	Slot     uint64 `json:"slot"`
	Admin    string `json:"admin"`
	Nonce    uint64 `json:"nonce"`
	Inverted bool   `json:"inverted"`
	Hyperp   bool   `json:"hyperp"`

	MarkPrice    string `json:"mark_price"`
	IndexPrice   string `json:"index_price"`
	MarkPriceE6  uint64 `json:"mark_price_e6"`
	IndexPriceE6 uint64 `json:"index_price_e6"`

	FundingBpsPerSlot int64  `json:"funding_bps_per_slot"`
	FundingBpsPerHour string `json:"funding_bps_per_hour"`
	OpenInterest      string `json:"open_interest"`
	Vault             uint64 `json:"vault"`
	InsuranceBalance  string `json:"insurance_balance"`
	InsuranceFees     string `json:"insurance_fee_revenue"`

	Crank CrankResponse `json:"crank"`

	Capacity              int    `json:"capacity"`
	UsedAccounts          int    `json:"used_accounts"`
	Users                 int    `json:"users"`
	LPs                   int    `json:"lps"`
	OpenPositions         int    `json:"open_positions"`
	TotalCapital          string `json:"total_capital"`
	LongExposure          string `json:"long_exposure"`
	ShortExposure         string `json:"short_exposure"`
	LiquidationCandidates int    `json:"liquidation_candidates"`

	AsOfSequence int64     `json:"as_of_sequence"`
	StateHash    string    `json:"state_hash"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// CrankResponse describes keeper crank freshness.
type CrankResponse struct {
	LastCrankSlot uint64 `json:"last_crank_slot"`
	SlotsSince    uint64 `json:"slots_since"`
	MaxStaleness  uint64 `json:"max_staleness"`
	Stale         bool   `json:"stale"`
}

// AccountResponse is one occupied slot with derived margin figures.
type AccountResponse struct {
	Index     int    `json:"index"`
	Owner     string `json:"owner"`
	AccountID uint64 `json:"account_id"`
	Kind      string `json:"kind"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Capital   uint64 `json:"capital"`

	EntryPrice       string  `json:"entry_price"`
	MarkPrice        string  `json:"mark_price"`
	LiquidationPrice *string `json:"liquidation_price,omitempty"`
	EntryPriceE6     uint64  `json:"entry_price_e6"`

	UnrealizedPnL    string `json:"unrealized_pnl"`
	EffectiveCapital string `json:"effective_capital"`
	Notional         string `json:"notional"`
	MarginRatio      string `json:"margin_ratio"`
	Leverage         string `json:"leverage"`
	MarginStatus     string `json:"margin_status"`

	Matcher *MatcherResponse `json:"matcher,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MatcherResponse identifies an LP's matching program.
type MatcherResponse struct {
	Program string `json:"program"`
	Context string `json:"context"`
}

// ConfigResponse is a market's configuration and risk parameters.
type ConfigResponse struct {
	Slab              string `json:"slab"`
	CollateralMint    string `json:"collateral_mint"`
	Vault             string `json:"vault"`
	IndexFeedID       string `json:"index_feed_id"`
	MaxStalenessSlots uint64 `json:"max_staleness_slots"`
	ConfFilterBps     uint16 `json:"conf_filter_bps"`
	Inverted          bool   `json:"inverted"`
	UnitScale         uint8  `json:"unit_scale"`
	OraclePriceCapE2  uint16 `json:"oracle_price_cap_e2bps"`
	VaultBump         uint8  `json:"vault_authority_bump"`

	WarmupPeriodSlots      uint64 `json:"warmup_period_slots"`
	MaintenanceMarginBps   uint16 `json:"maintenance_margin_bps"`
	InitialMarginBps       uint16 `json:"initial_margin_bps"`
	TradingFeeBps          uint16 `json:"trading_fee_bps"`
	LiquidationFeeBps      uint16 `json:"liquidation_fee_bps"`
	LiquidationBufferBps   uint16 `json:"liquidation_buffer_bps"`
	MaxAccounts            uint64 `json:"max_accounts"`
	NewAccountFee          uint64 `json:"new_account_fee"`
	RiskReductionThreshold string `json:"risk_reduction_threshold"`
	MaintenanceFeePerSlot  string `json:"maintenance_fee_per_slot"`
	MaxCrankStalenessSlots uint64 `json:"max_crank_staleness_slots"`
	LiquidationFeeCap      string `json:"liquidation_fee_cap"`
	MinLiquidationAbs      string `json:"min_liquidation_abs"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// NonceResponse is the admin nonce of a market.
type NonceResponse struct {
	Slab         string `json:"slab"`
	Nonce        uint64 `json:"nonce"`
	Slot         uint64 `json:"slot"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventResponse is one archived event.
type EventResponse struct {
	Sequence         int64           `json:"sequence"`
	SnapshotSequence int64           `json:"snapshot_sequence"`
	EventType        string          `json:"event_type"`
	IdempotencyKey   string          `json:"idempotency_key"`
	MarketID         *string         `json:"market_id,omitempty"`
	Slot             uint64          `json:"slot"`
	Payload          json.RawMessage `json:"payload"`
	StateHash        string          `json:"state_hash"`
	Timestamp        time.Time       `json:"timestamp"`
}

// FundingHistoryResponse is one keeper crank on a market.
type FundingHistoryResponse struct {
	Slab              string `json:"slab"`
	Slot              uint64 `json:"slot"`
	LastCrankSlot     uint64 `json:"last_crank_slot"`
	PrevCrankSlot     uint64 `json:"prev_crank_slot"`
	SlotsElapsed      uint64 `json:"slots_elapsed"`
	RateBpsPerSlot    int64  `json:"rate_bps_per_slot"`
	RateBpsPerHour    string `json:"rate_bps_per_hour"`
	FundingIndexQpbE6 string `json:"funding_index_qpb_e6"`
	IndexDelta        string `json:"index_delta"`
	MarkPrice         string `json:"mark_price"`
	Sequence          int64  `json:"sequence"`
}

// ErrorDecodeResponse explains a custom program error code.
type ErrorDecodeResponse struct {
	Code        uint32 `json:"code"`
	Hex         string `json:"hex"`
	Name        string `json:"name"`
	Hint        string `json:"hint,omitempty"`
	Known       bool   `json:"known"`
	UserMessage string `json:"user_message"`
}

// ComputeAuditResponse compares compute consumption against a budget.
type ComputeAuditResponse struct {
	Command     string               `json:"command"`
	Consumed    uint64               `json:"consumed"`
	Budget      uint64               `json:"budget"`
	Remaining   int64                `json:"remaining"`
	PercentUsed string               `json:"percent_used"`
	Status      string               `json:"status"`
	Checkpoints []CheckpointResponse `json:"checkpoints,omitempty"`
	Report      string               `json:"report"`
}

// CheckpointResponse is one labelled compute checkpoint.
type CheckpointResponse struct {
	Label     string  `json:"label"`
	Remaining uint64  `json:"remaining"`
	Elapsed   *uint64 `json:"elapsed,omitempty"`
}

// InstructionResponse is decoded instruction data.
type InstructionResponse struct {
	Kind    string `json:"kind"`
	Tag     uint8  `json:"tag"`
	Command string `json:"command"`
	Args    any    `json:"args"`
}

// IntegrityReport is the result of a hash chain verification.
type IntegrityReport struct {
	IsHealthy           bool    `json:"is_healthy"`
	Checked             int     `json:"checked"`
	FromSequence        int64   `json:"from_sequence"`
	HashChainBreaks     []int64 `json:"hash_chain_breaks,omitempty"`
	StateHashMismatches []int64 `json:"state_hash_mismatches,omitempty"`
	SequenceGaps        []int64 `json:"sequence_gaps,omitempty"`
}
