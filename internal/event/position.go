package event

import (
	"fmt"
	"math/big"
)

// PositionChanged is emitted when an account's size, entry price or capital
// differs from the previous snapshot.
// Idempotency key: "{market}:{slot}:{index}:position".
type PositionChanged struct {
	Market           string   `json:"market"`
	Slot             uint64   `json:"slot"`
	Index            int      `json:"index"`
	Owner            string   `json:"owner"`
	Side             string   `json:"side"`
	PrevSize         *big.Int `json:"prev_size"`
	Size             *big.Int `json:"size"`
	PrevEntryPriceE6 uint64   `json:"prev_entry_price_e6"`
	EntryPriceE6     uint64   `json:"entry_price_e6"`
	PrevCapital      uint64   `json:"prev_capital"`
	Capital          uint64   `json:"capital"`
}

func (p *PositionChanged) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%d:position", p.Market, p.Slot, p.Index)
}

func (p *PositionChanged) EventType() EventType {
	return EventTypePositionChanged
}

func (p *PositionChanged) MarketID() *string {
	s := p.Market
	return &s
}

func (p *PositionChanged) SourceSequence() int64 {
	return int64(p.Slot)
}

// SizeDelta returns Size - PrevSize.
func (p *PositionChanged) SizeDelta() *big.Int {
	prev, cur := p.PrevSize, p.Size
	if prev == nil {
		prev = new(big.Int)
	}
	if cur == nil {
		cur = new(big.Int)
	}
	return new(big.Int).Sub(cur, prev)
}
