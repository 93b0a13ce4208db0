package testutil

import (
	"Percolator/internal/slab"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
)

// SlabBuilder writes fixture slabs byte-by-byte at the layout offsets.
type SlabBuilder struct {
	t      *testing.T
	layout slab.Layout
	buf    []byte
}

// NewSlabBuilder returns a builder with a valid header for the given capacity
// tier and every slot free.
func NewSlabBuilder(t *testing.T, capacity int) *SlabBuilder {
	t.Helper()
	layout := slab.LayoutFor(capacity)
	b := &SlabBuilder{t: t, layout: layout, buf: make([]byte, layout.TotalLen)}
	binary.LittleEndian.PutUint32(b.buf[slab.HeaderMagicOff:], slab.Magic)
	binary.LittleEndian.PutUint16(b.buf[slab.HeaderVerOff:], slab.Version)
	return b
}

func (b *SlabBuilder) Bytes() []byte { return b.buf }

func (b *SlabBuilder) Layout() slab.Layout { return b.layout }

func (b *SlabBuilder) PutU8(off int, v uint8) *SlabBuilder {
	b.buf[off] = v
	return b
}

func (b *SlabBuilder) PutU16(off int, v uint16) *SlabBuilder {
	binary.LittleEndian.PutUint16(b.buf[off:], v)
	return b
}

func (b *SlabBuilder) PutU32(off int, v uint32) *SlabBuilder {
	binary.LittleEndian.PutUint32(b.buf[off:], v)
	return b
}

func (b *SlabBuilder) PutU64(off int, v uint64) *SlabBuilder {
	binary.LittleEndian.PutUint64(b.buf[off:], v)
	return b
}

func (b *SlabBuilder) PutI64(off int, v int64) *SlabBuilder {
	return b.PutU64(off, uint64(v))
}

// PutI128 writes v as 16 bytes of little-endian two's complement; unsigned
// values within range encode identically.
func (b *SlabBuilder) PutI128(off int, v *big.Int) *SlabBuilder {
	b.t.Helper()
	mod := new(big.Int).Lsh(big.NewInt(1), 128)
	u := new(big.Int).Mod(v, mod)
	be := u.FillBytes(make([]byte, 16))
	for i := 0; i < 16; i++ {
		b.buf[off+i] = be[15-i]
	}
	return b
}

func (b *SlabBuilder) PutKey(off int, key solana.PublicKey) *SlabBuilder {
	copy(b.buf[off:off+32], key[:])
	return b
}

func (b *SlabBuilder) Admin(key solana.PublicKey) *SlabBuilder {
	return b.PutKey(slab.HeaderAdminOff, key)
}

func (b *SlabBuilder) Nonce(n uint64) *SlabBuilder {
	return b.PutU64(slab.HeaderNonceOff, n)
}

// Prices sets mark and index prices (e6) and the inversion flag.
func (b *SlabBuilder) Prices(markE6, indexE6 uint64, inverted bool) *SlabBuilder {
	b.PutU64(slab.CfgMarkPriceOff, markE6)
	b.PutU64(slab.CfgIndexPriceOff, indexE6)
	if inverted {
		b.PutU8(slab.CfgInvertOff, 1)
	} else {
		b.PutU8(slab.CfgInvertOff, 0)
	}
	return b
}

func (b *SlabBuilder) Margins(maintenanceBps, initialBps uint16) *SlabBuilder {
	b.PutU16(slab.PrmMaintenanceMarginOff, maintenanceBps)
	return b.PutU16(slab.PrmInitialMarginOff, initialBps)
}

func (b *SlabBuilder) Crank(lastCrankSlot uint64, fundingBpsPerSlot int64) *SlabBuilder {
	b.PutU64(slab.EngLastCrankSlotOff, lastCrankSlot)
	return b.PutI64(slab.EngFundingRateOff, fundingBpsPerSlot)
}

// User writes a user slot and sets its occupancy bit.
func (b *SlabBuilder) User(index int, owner solana.PublicKey, capital uint64, size int64, entryE6 uint64) *SlabBuilder {
	b.writeSlot(index, owner, capital, big.NewInt(size), entryE6, slab.KindUser)
	return b.SetUsed(index)
}

// LP writes an LP slot with matcher keys and sets its occupancy bit.
func (b *SlabBuilder) LP(index int, owner, program, context solana.PublicKey, capital uint64) *SlabBuilder {
	b.writeSlot(index, owner, capital, big.NewInt(0), 0, slab.KindLP)
	base := b.layout.AccountOffset(index)
	b.PutKey(base+slab.AcctMatcherProgramOff, program)
	b.PutKey(base+slab.AcctMatcherContextOff, context)
	return b.SetUsed(index)
}

// Position overwrites the size of an existing slot.
func (b *SlabBuilder) Position(index int, size *big.Int, entryE6 uint64) *SlabBuilder {
	base := b.layout.AccountOffset(index)
	b.PutI128(base+slab.AcctPositionSizeOff, size)
	return b.PutU64(base+slab.AcctEntryPriceOff, entryE6)
}

// SlotKind writes a raw kind byte without touching the bitmap.
func (b *SlabBuilder) SlotKind(index int, kind uint8) *SlabBuilder {
	return b.PutU8(b.layout.AccountOffset(index)+slab.AcctKindOff, kind)
}

func (b *SlabBuilder) SetUsed(index int) *SlabBuilder {
	b.buf[b.layout.BitmapOff+index/8] |= 1 << (uint(index) % 8)
	return b
}

func (b *SlabBuilder) ClearUsed(index int) *SlabBuilder {
	b.buf[b.layout.BitmapOff+index/8] &^= 1 << (uint(index) % 8)
	return b
}

func (b *SlabBuilder) writeSlot(index int, owner solana.PublicKey, capital uint64, size *big.Int, entryE6 uint64, kind slab.AccountKind) {
	base := b.layout.AccountOffset(index)
	b.PutKey(base+slab.AcctOwnerOff, owner)
	b.PutU64(base+slab.AcctCapitalOff, capital)
	b.PutI128(base+slab.AcctPositionSizeOff, size)
	b.PutU64(base+slab.AcctEntryPriceOff, entryE6)
	b.PutU8(base+slab.AcctKindOff, uint8(kind))
	b.PutU64(base+slab.AcctIDOff, uint64(index)+1)
}

// Key derives a deterministic test key from a seed byte.
func Key(seed byte) solana.PublicKey {
	var k solana.PublicKey
	for i := range k {
		k[i] = seed
	}
	return k
}
