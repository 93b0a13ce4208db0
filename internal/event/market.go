package event

import (
	"fmt"
	"math/big"
)

// MarketUpdated is emitted when prices, admin, nonce, risk parameters or the
// insurance fund of a market change between snapshots.
// Idempotency key: "{market}:{slot}:market".
type MarketUpdated struct {
	Market               string   `json:"market"`
	Slot                 uint64   `json:"slot"`
	Admin                string   `json:"admin"`
	Nonce                uint64   `json:"nonce"`
	MarkPriceE6          uint64   `json:"mark_price_e6"`
	IndexPriceE6         uint64   `json:"index_price_e6"`
	Inverted             bool     `json:"inverted"`
	MaintenanceMarginBps uint16   `json:"maintenance_margin_bps"`
	InitialMarginBps     uint16   `json:"initial_margin_bps"`
	OpenInterest         *big.Int `json:"open_interest"`
	InsuranceBalance     *big.Int `json:"insurance_balance"`
	Vault                uint64   `json:"vault"`
}

func (m *MarketUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:market", m.Market, m.Slot)
}

func (m *MarketUpdated) EventType() EventType {
	return EventTypeMarketUpdated
}

func (m *MarketUpdated) MarketID() *string {
	s := m.Market
	return &s
}

func (m *MarketUpdated) SourceSequence() int64 {
	return int64(m.Slot)
}
