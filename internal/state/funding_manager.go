package state

import (
	fpmath "Percolator/internal/math"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// DefaultCrankStaleSlots is the window after which a market's last keeper
// crank is considered stale when the slab does not set its own.
const DefaultCrankStaleSlots = 150

// CrankInfo describes how recently the keeper crank ran.
type CrankInfo struct {
	LastCrankSlot uint64
	SlotsSince    uint64
	MaxStaleness  uint64
	Stale         bool
}

// CrankStatus computes crank staleness at currentSlot. A zero maxStaleness
// selects DefaultCrankStaleSlots. A last crank ahead of currentSlot counts
// as fresh.
func CrankStatus(currentSlot, lastCrankSlot, maxStaleness uint64) CrankInfo {
	if maxStaleness == 0 {
		maxStaleness = DefaultCrankStaleSlots
	}
	var since uint64
	if currentSlot > lastCrankSlot {
		since = currentSlot - lastCrankSlot
	}
	return CrankInfo{
		LastCrankSlot: lastCrankSlot,
		SlotsSince:    since,
		MaxStaleness:  maxStaleness,
		Stale:         since > maxStaleness,
	}
}

// FundingSnapshot is one observation of a market's funding state.
type FundingSnapshot struct {
	Slab              solana.PublicKey
	Slot              uint64
	RateBpsPerSlot    int64
	RateBpsPerHour    *big.Int
	FundingIndexQpbE6 *big.Int
	MarkPriceE6       uint64
	LastCrankSlot     uint64
}

// FundingManager keeps the latest funding observation per slab and decides
// which observations are worth recording.
// Not thread-safe; owned by the snapshot processor goroutine.
type FundingManager struct {
	latest map[solana.PublicKey]*FundingSnapshot
}

func NewFundingManager() *FundingManager {
	return &FundingManager{latest: make(map[solana.PublicKey]*FundingSnapshot)}
}

// Observe records a funding observation. It returns true when the crank has
// advanced since the previous observation, which is when the engine applies
// funding. Observations at or before the stored slot are ignored.
func (fm *FundingManager) Observe(
	slabKey solana.PublicKey,
	slot uint64,
	rateBpsPerSlot int64,
	fundingIndex *big.Int,
	markPriceE6 uint64,
	lastCrankSlot uint64,
) (*FundingSnapshot, bool) {
	prev, hasPrev := fm.latest[slabKey]
	if hasPrev && slot <= prev.Slot {
		return prev, false
	}

	idx := new(big.Int)
	if fundingIndex != nil {
		idx.Set(fundingIndex)
	}
	snap := &FundingSnapshot{
		Slab:              slabKey,
		Slot:              slot,
		RateBpsPerSlot:    rateBpsPerSlot,
		RateBpsPerHour:    fpmath.FundingBpsPerHour(rateBpsPerSlot),
		FundingIndexQpbE6: idx,
		MarkPriceE6:       markPriceE6,
		LastCrankSlot:     lastCrankSlot,
	}
	fm.latest[slabKey] = snap

	advanced := !hasPrev || lastCrankSlot > prev.LastCrankSlot
	return snap, advanced
}

// GetFundingSnapshot retrieves the latest observation for a slab.
func (fm *FundingManager) GetFundingSnapshot(slabKey solana.PublicKey) (*FundingSnapshot, bool) {
	snap, ok := fm.latest[slabKey]
	return snap, ok
}

// RestoreSnapshot directly sets an observation (used for warm restart).
func (fm *FundingManager) RestoreSnapshot(snap *FundingSnapshot) {
	fm.latest[snap.Slab] = snap
}
