package state

import (
	"Percolator/internal/slab"
	"math/big"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// LiquidationCandidate is an account a keeper could liquidate at the current
// mark price.
type LiquidationCandidate struct {
	Index            int
	Owner            solana.PublicKey
	MarginRatioBps   *big.Int
	EffectiveCapital *big.Int
	Deficit          *big.Int
	InsuranceCovered *big.Int
	InsuranceShort   *big.Int
}

// ScanLiquidations returns every Liquidatable account, most under-margined
// first. LP slots are included: the program liquidates them the same way.
func ScanLiquidations(snap *slab.Snapshot) []LiquidationCandidate {
	fund := NewInsuranceFund(snap.Insurance.Balance)

	var out []LiquidationCandidate
	for _, v := range PositionViews(snap) {
		if v.IsFlat() || v.Status != MarginStatusLiquidatable {
			continue
		}
		deficit := Deficit(v.Capital, v.UnrealizedPnL)
		covered, short := fund.ComputeCoverage(deficit)
		out = append(out, LiquidationCandidate{
			Index:            v.Index,
			Owner:            v.Owner,
			MarginRatioBps:   v.MarginRatio.Scaled(),
			EffectiveCapital: v.EffectiveCapital,
			Deficit:          deficit,
			InsuranceCovered: covered,
			InsuranceShort:   short,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].MarginRatioBps.Cmp(out[j].MarginRatioBps); c != 0 {
			return c < 0
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// ActiveLiquidation is a candidate that has stayed liquidatable across
// consecutive snapshots.
type ActiveLiquidation struct {
	LiquidationID uuid.UUID
	Slab          solana.PublicKey
	Index         int
	Owner         solana.PublicKey
	TriggeredSlot uint64
	LastSeenSlot  uint64
}

type liquidationKey struct {
	slab  solana.PublicKey
	index int
}

// LiquidationManager tracks liquidatable accounts between snapshots so each
// episode is reported once when it starts and once when it ends.
// Not thread-safe; owned by the snapshot processor goroutine.
type LiquidationManager struct {
	active map[liquidationKey]*ActiveLiquidation
}

func NewLiquidationManager() *LiquidationManager {
	return &LiquidationManager{active: make(map[liquidationKey]*ActiveLiquidation)}
}

// Update reconciles a slab's current candidates with the active set. It
// returns the episodes that began and the ones that ended, either because
// margin recovered, the account was liquidated, or the slot was closed.
func (lm *LiquidationManager) Update(
	slabKey solana.PublicKey,
	slot uint64,
	candidates []LiquidationCandidate,
) (started []*ActiveLiquidation, ended []*ActiveLiquidation) {
	seen := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		seen[c.Index] = true
		key := liquidationKey{slab: slabKey, index: c.Index}

		if liq, ok := lm.active[key]; ok && liq.Owner == c.Owner {
			liq.LastSeenSlot = slot
			continue
		}

		liq := &ActiveLiquidation{
			LiquidationID: uuid.New(),
			Slab:          slabKey,
			Index:         c.Index,
			Owner:         c.Owner,
			TriggeredSlot: slot,
			LastSeenSlot:  slot,
		}
		if prev, ok := lm.active[key]; ok {
			// Slot was reused by a different owner.
			ended = append(ended, prev)
		}
		lm.active[key] = liq
		started = append(started, liq)
	}

	for key, liq := range lm.active {
		if key.slab == slabKey && !seen[key.index] {
			ended = append(ended, liq)
			delete(lm.active, key)
		}
	}

	sort.Slice(ended, func(i, j int) bool { return ended[i].Index < ended[j].Index })
	return started, ended
}

// GetActive returns the open episode for a slot.
func (lm *LiquidationManager) GetActive(slabKey solana.PublicKey, index int) (*ActiveLiquidation, bool) {
	liq, ok := lm.active[liquidationKey{slab: slabKey, index: index}]
	return liq, ok
}

// ActiveCount returns the number of open episodes across all slabs.
func (lm *LiquidationManager) ActiveCount() int {
	return len(lm.active)
}
