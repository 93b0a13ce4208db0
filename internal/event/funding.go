package event

import (
	"fmt"
	"math/big"
)

// CrankAdvanced is emitted when the keeper crank slot moves forward, which
// is when the engine accrues funding.
// Idempotency key: "{market}:{last_crank_slot}:crank".
type CrankAdvanced struct {
	Market                string   `json:"market"`
	Slot                  uint64   `json:"slot"`
	PrevCrankSlot         uint64   `json:"prev_crank_slot"`
	LastCrankSlot         uint64   `json:"last_crank_slot"`
	FundingRateBpsPerSlot int64    `json:"funding_rate_bps_per_slot"`
	FundingRateBpsPerHour *big.Int `json:"funding_rate_bps_per_hour"`
	FundingIndexQpbE6     *big.Int `json:"funding_index_qpb_e6"`
	MarkPriceE6           uint64   `json:"mark_price_e6"`
}

func (c *CrankAdvanced) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:crank", c.Market, c.LastCrankSlot)
}

func (c *CrankAdvanced) EventType() EventType {
	return EventTypeCrankAdvanced
}

func (c *CrankAdvanced) MarketID() *string {
	s := c.Market
	return &s
}

func (c *CrankAdvanced) SourceSequence() int64 {
	return int64(c.Slot)
}
