package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// LiquidationTriggered emitted when an account's margin ratio first falls
// below maintenance.
type LiquidationTriggered struct {
	LiquidationID    uuid.UUID `json:"liquidation_id"`
	Market           string    `json:"market"`
	Slot             uint64    `json:"slot"`
	Index            int       `json:"index"`
	Owner            string    `json:"owner"`
	MarginRatioBps   *big.Int  `json:"margin_ratio_bps"`
	Deficit          *big.Int  `json:"deficit"`
	InsuranceCovered *big.Int  `json:"insurance_covered"`
}

func (l *LiquidationTriggered) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *LiquidationTriggered) EventType() EventType {
	return EventTypeLiquidationTriggered
}

func (l *LiquidationTriggered) MarketID() *string {
	return &l.Market
}

func (l *LiquidationTriggered) SourceSequence() int64 {
	return int64(l.Slot)
}

// LiquidationCleared marks the end of an episode: margin recovered, the
// keeper liquidated the account, or the slot was closed.
type LiquidationCleared struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	Market        string    `json:"market"`
	Slot          uint64    `json:"slot"`
	Index         int       `json:"index"`
	Owner         string    `json:"owner"`
	TriggeredSlot uint64    `json:"triggered_slot"`
}

func (l *LiquidationCleared) IdempotencyKey() string {
	return fmt.Sprintf("%s:cleared", l.LiquidationID)
}

func (l *LiquidationCleared) EventType() EventType {
	return EventTypeLiquidationCleared
}

func (l *LiquidationCleared) MarketID() *string {
	return &l.Market
}

func (l *LiquidationCleared) SourceSequence() int64 {
	return int64(l.Slot)
}
