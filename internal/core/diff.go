package core

import (
	"Percolator/internal/event"
	"Percolator/internal/slab"
	"Percolator/internal/state"
	"math/big"
)

// marketChanged reports whether any market-level field worth an event
// differs between two snapshots of the same slab.
func marketChanged(prev, cur *slab.Snapshot) bool {
	if prev == nil {
		return true
	}
	switch {
	case prev.Header.Admin != cur.Header.Admin,
		prev.Header.Nonce != cur.Header.Nonce,
		prev.Config.MarkPriceE6 != cur.Config.MarkPriceE6,
		prev.Config.IndexPriceE6 != cur.Config.IndexPriceE6,
		prev.Config.Invert != cur.Config.Invert,
		prev.Params.MaintenanceMarginBps != cur.Params.MaintenanceMarginBps,
		prev.Params.InitialMarginBps != cur.Params.InitialMarginBps,
		prev.Engine.Vault != cur.Engine.Vault,
		cmpBig(prev.Engine.TotalOpenInterest, cur.Engine.TotalOpenInterest) != 0,
		cmpBig(prev.Insurance.Balance, cur.Insurance.Balance) != 0:
		return true
	}
	return false
}

func newMarketUpdated(market string, slot uint64, snap *slab.Snapshot) *event.MarketUpdated {
	return &event.MarketUpdated{
		Market:               market,
		Slot:                 slot,
		Admin:                snap.Header.Admin.String(),
		Nonce:                snap.Header.Nonce,
		MarkPriceE6:          snap.Config.MarkPriceE6,
		IndexPriceE6:         snap.Config.IndexPriceE6,
		Inverted:             snap.Config.Invert,
		MaintenanceMarginBps: snap.Params.MaintenanceMarginBps,
		InitialMarginBps:     snap.Params.InitialMarginBps,
		OpenInterest:         copyBig(snap.Engine.TotalOpenInterest),
		InsuranceBalance:     copyBig(snap.Insurance.Balance),
		Vault:                snap.Engine.Vault,
	}
}

// diffAccounts compares occupied slots in index order. A slot whose owner
// changed is reported as a close followed by an open.
func diffAccounts(market string, slot uint64, prev, cur *slab.Snapshot) []event.Event {
	before := make(map[int]slab.Account)
	if prev != nil {
		for _, ia := range prev.Accounts {
			before[ia.Index] = ia.Account
		}
	}
	after := make(map[int]slab.Account, len(cur.Accounts))
	for _, ia := range cur.Accounts {
		after[ia.Index] = ia.Account
	}

	indices := make([]int, 0, len(before)+len(after))
	if prev != nil {
		for _, ia := range prev.Accounts {
			indices = append(indices, ia.Index)
		}
	}
	for _, ia := range cur.Accounts {
		if _, ok := before[ia.Index]; !ok {
			indices = append(indices, ia.Index)
		}
	}
	sortInts(indices)

	var events []event.Event
	for _, idx := range indices {
		old, hadOld := before[idx]
		acct, hasNew := after[idx]

		switch {
		case hadOld && !hasNew:
			events = append(events, newAccountClosed(market, slot, idx, old))
		case !hadOld && hasNew:
			events = append(events, newAccountOpened(market, slot, idx, acct))
		case old.Owner != acct.Owner || old.AccountID != acct.AccountID:
			events = append(events,
				newAccountClosed(market, slot, idx, old),
				newAccountOpened(market, slot, idx, acct))
		case positionChanged(old, acct):
			events = append(events, &event.PositionChanged{
				Market:           market,
				Slot:             slot,
				Index:            idx,
				Owner:            acct.Owner.String(),
				Side:             state.SideOf(acct.PositionSize).String(),
				PrevSize:         copyBig(old.PositionSize),
				Size:             copyBig(acct.PositionSize),
				PrevEntryPriceE6: old.EntryPriceE6,
				EntryPriceE6:     acct.EntryPriceE6,
				PrevCapital:      old.Capital,
				Capital:          acct.Capital,
			})
		}
	}
	return events
}

func positionChanged(old, cur slab.Account) bool {
	return old.Capital != cur.Capital ||
		old.EntryPriceE6 != cur.EntryPriceE6 ||
		cmpBig(old.PositionSize, cur.PositionSize) != 0
}

func newAccountOpened(market string, slot uint64, idx int, a slab.Account) *event.AccountOpened {
	return &event.AccountOpened{
		Market:       market,
		Slot:         slot,
		Index:        idx,
		Owner:        a.Owner.String(),
		AccountID:    a.AccountID,
		Kind:         a.Kind.String(),
		Capital:      a.Capital,
		PositionSize: copyBig(a.PositionSize),
		EntryPriceE6: a.EntryPriceE6,
	}
}

func newAccountClosed(market string, slot uint64, idx int, a slab.Account) *event.AccountClosed {
	return &event.AccountClosed{
		Market:      market,
		Slot:        slot,
		Index:       idx,
		Owner:       a.Owner.String(),
		AccountID:   a.AccountID,
		LastCapital: a.Capital,
	}
}

func cmpBig(a, b *big.Int) int {
	return copyBig(a).Cmp(copyBig(b))
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// sortInts is an insertion sort; slot lists are already nearly ordered.
func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
