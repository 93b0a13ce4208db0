package state

import (
	fpmath "Percolator/internal/math"
	"Percolator/internal/slab"
	"encoding/binary"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// Side of a position, derived from the sign of its size.
type Side int8

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// SideOf returns the side of a signed size.
func SideOf(size *big.Int) Side {
	switch {
	case size == nil || size.Sign() == 0:
		return SideFlat
	case size.Sign() > 0:
		return SideLong
	default:
		return SideShort
	}
}

// PositionView is a display-ready view of one occupied slot. Prices in the
// Display fields are converted back to the quote representation for
// inverted markets; all other figures use the stored representation.
type PositionView struct {
	Index        int
	Owner        solana.PublicKey
	AccountID    uint64
	Kind         slab.AccountKind
	Side         Side
	Size         *big.Int
	AbsSize      *big.Int
	Capital      uint64
	EntryPriceE6 uint64
	MarkPriceE6  uint64
	MarginMetrics

	DisplayEntryPriceE6       *big.Int
	DisplayMarkPriceE6        *big.Int
	DisplayLiquidationPriceE6 *big.Int

	Matcher *slab.Matcher
}

// IsFlat returns true if position has no exposure
func (p *PositionView) IsFlat() bool {
	return p.Side == SideFlat
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *PositionView) SideSign() int64 {
	switch p.Side {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// NewPositionView evaluates an account against the market's mark price and
// margin parameters.
func NewPositionView(index int, acct slab.Account, cfg slab.MarketConfig, params slab.RiskParams) PositionView {
	calc := NewMarginCalculator(cfg.MarkPriceE6, params.InitialMarginBps, params.MaintenanceMarginBps)
	size := acct.PositionSize
	if size == nil {
		size = new(big.Int)
	}

	v := PositionView{
		Index:         index,
		Owner:         acct.Owner,
		AccountID:     acct.AccountID,
		Kind:          acct.Kind,
		Side:          SideOf(size),
		Size:          new(big.Int).Set(size),
		AbsSize:       new(big.Int).Abs(size),
		Capital:       acct.Capital,
		EntryPriceE6:  acct.EntryPriceE6,
		MarkPriceE6:   cfg.MarkPriceE6,
		MarginMetrics: calc.Compute(size, acct.EntryPriceE6, acct.Capital),
		Matcher:       acct.Matcher,
	}

	v.DisplayEntryPriceE6 = displayPrice(new(big.Int).SetUint64(acct.EntryPriceE6), cfg.Invert)
	v.DisplayMarkPriceE6 = displayPrice(new(big.Int).SetUint64(cfg.MarkPriceE6), cfg.Invert)
	if v.LiquidationPrice != nil {
		v.DisplayLiquidationPriceE6 = displayPrice(v.LiquidationPrice, cfg.Invert)
	}
	return v
}

// PositionViews evaluates every occupied slot of a snapshot in index order.
func PositionViews(snap *slab.Snapshot) []PositionView {
	views := make([]PositionView, 0, len(snap.Accounts))
	for _, ia := range snap.Accounts {
		views = append(views, NewPositionView(ia.Index, ia.Account, snap.Config, snap.Params))
	}
	return views
}

func displayPrice(storedE6 *big.Int, inverted bool) *big.Int {
	p, ok := fpmath.DisplayPriceE6(storedE6, inverted)
	if !ok {
		return nil
	}
	return p
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *PositionView) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// index (2 bytes LE)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.Index))

	// owner (32 bytes)
	buf = append(buf, p.Owner[:]...)

	// kind, side (1 byte each)
	buf = append(buf, byte(p.Kind), byte(p.Side))

	// size (sign byte, then length-prefixed magnitude)
	buf = appendBigInt(buf, p.Size)

	// capital, entry (8 bytes LE each)
	buf = binary.LittleEndian.AppendUint64(buf, p.Capital)
	buf = binary.LittleEndian.AppendUint64(buf, p.EntryPriceE6)

	return buf
}

func appendBigInt(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v != nil && v.Sign() < 0 {
		sign = 1
	}
	var mag []byte
	if v != nil {
		mag = v.Bytes()
	}
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}
