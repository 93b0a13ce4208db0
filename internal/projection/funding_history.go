package projection

import (
	"Percolator/internal/event"
	"math/big"
	"sync"
)

// FundingHistoryEntry records one keeper crank on a market.
type FundingHistoryEntry struct {
	Slab              string
	Slot              uint64
	LastCrankSlot     uint64
	PrevCrankSlot     uint64
	SlotsElapsed      uint64
	RateBpsPerSlot    int64
	RateBpsPerHour    *big.Int
	FundingIndexQpbE6 *big.Int
	IndexDelta        *big.Int // change since the previous crank; zero for the first
	MarkPriceE6       uint64
	Sequence          int64
}

// FundingHistoryProjection maintains queryable funding history per market.
// Safe for concurrent use: the projection worker appends while the query
// service reads.
type FundingHistoryProjection struct {
	mu         sync.RWMutex
	entries    map[string][]FundingHistoryEntry
	maxEntries int
}

// NewFundingHistoryProjection keeps at most maxEntries per market; zero
// means unbounded.
func NewFundingHistoryProjection(maxEntries int) *FundingHistoryProjection {
	return &FundingHistoryProjection{
		entries:    make(map[string][]FundingHistoryEntry),
		maxEntries: maxEntries,
	}
}

// Apply records a crank and returns the resulting entry. Cranks at or
// before the market's last recorded crank are ignored (ok=false).
func (p *FundingHistoryProjection) Apply(c *event.CrankAdvanced, sequence int64) (FundingHistoryEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := p.entries[c.Market]
	var prev *FundingHistoryEntry
	if len(hist) > 0 {
		prev = &hist[len(hist)-1]
		if c.LastCrankSlot <= prev.LastCrankSlot {
			return FundingHistoryEntry{}, false
		}
	}

	entry := FundingHistoryEntry{
		Slab:              c.Market,
		Slot:              c.Slot,
		LastCrankSlot:     c.LastCrankSlot,
		PrevCrankSlot:     c.PrevCrankSlot,
		RateBpsPerSlot:    c.FundingRateBpsPerSlot,
		RateBpsPerHour:    orZero(c.FundingRateBpsPerHour),
		FundingIndexQpbE6: orZero(c.FundingIndexQpbE6),
		IndexDelta:        new(big.Int),
		MarkPriceE6:       c.MarkPriceE6,
		Sequence:          sequence,
	}
	if c.LastCrankSlot > c.PrevCrankSlot {
		entry.SlotsElapsed = c.LastCrankSlot - c.PrevCrankSlot
	}
	if prev != nil {
		entry.IndexDelta.Sub(entry.FundingIndexQpbE6, prev.FundingIndexQpbE6)
	}

	hist = append(hist, entry)
	if p.maxEntries > 0 && len(hist) > p.maxEntries {
		hist = append([]FundingHistoryEntry(nil), hist[len(hist)-p.maxEntries:]...)
	}
	p.entries[c.Market] = hist
	return entry, true
}

// QueryBySlab returns up to limit entries for a market, newest first.
func (p *FundingHistoryProjection) QueryBySlab(slab string, limit int) []FundingHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	hist := p.entries[slab]
	result := make([]FundingHistoryEntry, 0)
	for i := len(hist) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		result = append(result, hist[i])
	}
	return result
}

// Reset drops all history.
func (p *FundingHistoryProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string][]FundingHistoryEntry)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
