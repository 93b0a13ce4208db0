package event

import (
	"fmt"
	"math/big"
)

// AccountOpened is emitted when an occupancy bit is set, or when a slot is
// reused by a different owner.
// Idempotency key: "{market}:{slot}:{index}:opened".
type AccountOpened struct {
	Market       string   `json:"market"`
	Slot         uint64   `json:"slot"`
	Index        int      `json:"index"`
	Owner        string   `json:"owner"`
	AccountID    uint64   `json:"account_id"`
	Kind         string   `json:"kind"`
	Capital      uint64   `json:"capital"`
	PositionSize *big.Int `json:"position_size"`
	EntryPriceE6 uint64   `json:"entry_price_e6"`
}

func (a *AccountOpened) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%d:opened", a.Market, a.Slot, a.Index)
}

func (a *AccountOpened) EventType() EventType {
	return EventTypeAccountOpened
}

func (a *AccountOpened) MarketID() *string {
	s := a.Market
	return &s
}

func (a *AccountOpened) SourceSequence() int64 {
	return int64(a.Slot)
}

// AccountClosed is emitted when an occupancy bit is cleared or the slot's
// owner changes. Fields carry the last observed values.
// Idempotency key: "{market}:{slot}:{index}:closed".
type AccountClosed struct {
	Market      string `json:"market"`
	Slot        uint64 `json:"slot"`
	Index       int    `json:"index"`
	Owner       string `json:"owner"`
	AccountID   uint64 `json:"account_id"`
	LastCapital uint64 `json:"last_capital"`
}

func (a *AccountClosed) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%d:closed", a.Market, a.Slot, a.Index)
}

func (a *AccountClosed) EventType() EventType {
	return EventTypeAccountClosed
}

func (a *AccountClosed) MarketID() *string {
	s := a.Market
	return &s
}

func (a *AccountClosed) SourceSequence() int64 {
	return int64(a.Slot)
}
