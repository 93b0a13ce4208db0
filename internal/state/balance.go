package state

import (
	fpmath "Percolator/internal/math"
	"Percolator/internal/slab"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// MarketSummary aggregates a snapshot into the figures a market overview
// shows.
type MarketSummary struct {
	Slab           solana.PublicKey
	Slot           uint64
	Admin          solana.PublicKey
	Nonce          uint64
	Inverted       bool
	Hyperp         bool
	MarkPriceE6    uint64
	IndexPriceE6   uint64
	DisplayMarkE6  *big.Int
	DisplayIndexE6 *big.Int
	FundingBpsSlot int64
	FundingBpsHour *big.Int
	OpenInterest   *big.Int
	Vault          uint64
	Insurance      *big.Int
	InsuranceFees  *big.Int
	Crank          CrankInfo
	Capacity       int
	UsedAccounts   int
	Users          int
	LPs            int
	OpenPositions  int
	TotalCapital   *big.Int
	LongExposure   *big.Int
	ShortExposure  *big.Int
}

// Summarize aggregates snap as of currentSlot.
func Summarize(slabKey solana.PublicKey, currentSlot uint64, snap *slab.Snapshot) MarketSummary {
	s := MarketSummary{
		Slab:           slabKey,
		Slot:           currentSlot,
		Admin:          snap.Header.Admin,
		Nonce:          snap.Header.Nonce,
		Inverted:       snap.Config.Invert,
		Hyperp:         snap.Config.IsHyperp(),
		MarkPriceE6:    snap.Config.MarkPriceE6,
		IndexPriceE6:   snap.Config.IndexPriceE6,
		FundingBpsSlot: snap.Engine.FundingRateBpsPerSlot,
		FundingBpsHour: fpmath.FundingBpsPerHour(snap.Engine.FundingRateBpsPerSlot),
		OpenInterest:   new(big.Int).Set(snap.Engine.TotalOpenInterest),
		Vault:          snap.Engine.Vault,
		Insurance:      new(big.Int).Set(snap.Insurance.Balance),
		InsuranceFees:  new(big.Int).Set(snap.Insurance.FeeRevenue),
		Crank:          CrankStatus(currentSlot, snap.Engine.LastCrankSlot, snap.Params.MaxCrankStalenessSlots),
		Capacity:       snap.Layout.Capacity,
		UsedAccounts:   snap.UsedCount(),
		TotalCapital:   new(big.Int),
		LongExposure:   new(big.Int),
		ShortExposure:  new(big.Int),
	}
	s.DisplayMarkE6 = displayPrice(new(big.Int).SetUint64(s.MarkPriceE6), s.Inverted)
	s.DisplayIndexE6 = displayPrice(new(big.Int).SetUint64(s.IndexPriceE6), s.Inverted)

	for _, ia := range snap.Accounts {
		a := ia.Account
		if a.IsLP() {
			s.LPs++
		} else {
			s.Users++
		}
		s.TotalCapital.Add(s.TotalCapital, new(big.Int).SetUint64(a.Capital))

		switch SideOf(a.PositionSize) {
		case SideLong:
			s.OpenPositions++
			s.LongExposure.Add(s.LongExposure, a.PositionSize)
		case SideShort:
			s.OpenPositions++
			s.ShortExposure.Sub(s.ShortExposure, a.PositionSize)
		}
	}
	return s
}
