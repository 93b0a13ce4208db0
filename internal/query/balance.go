package query

// InsuranceResponse compares a market's insurance fund with the deficits
// of its liquidatable accounts.
type InsuranceResponse struct {
	Slab         string `json:"slab"`
	Balance      string `json:"balance"`
	FeeRevenue   string `json:"fee_revenue"`
	TotalDeficit string `json:"total_deficit"` // sum over liquidation candidates
	Covered      string `json:"covered"`
	Shortfall    string `json:"shortfall"`
	CanCoverAll  bool   `json:"can_cover_all"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// LiquidationResponse is one account a keeper could liquidate now.
type LiquidationResponse struct {
	Index            int    `json:"index"`
	Owner            string `json:"owner"`
	MarginRatioBps   string `json:"margin_ratio_bps"`
	EffectiveCapital string `json:"effective_capital"`
	Deficit          string `json:"deficit"`
	InsuranceCovered string `json:"insurance_covered"` // if liquidated alone
	InsuranceShort   string `json:"insurance_short"`
}

// LiquidationsResponse lists candidates, most under-margined first.
type LiquidationsResponse struct {
	Slab       string                `json:"slab"`
	Slot       uint64                `json:"slot"`
	Candidates []LiquidationResponse `json:"candidates"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
