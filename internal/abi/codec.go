package abi

import (
	"encoding/binary"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	two128 = new(big.Int).Lsh(big.NewInt(1), 128)
	mask64 = new(big.Int).SetUint64(^uint64(0))
)

// writer wraps a bin.Encoder; the first error sticks and later writes are
// skipped.
type writer struct {
	enc *bin.Encoder
	err error
}

func newWriter(enc *bin.Encoder) *writer { return &writer{enc: enc} }

func (w *writer) u8(v uint8) {
	if w.err == nil {
		w.err = w.enc.WriteUint8(v)
	}
}

func (w *writer) boolean(v bool) {
	if w.err == nil {
		w.err = w.enc.WriteBool(v)
	}
}

func (w *writer) u16(v uint16) {
	if w.err == nil {
		w.err = w.enc.WriteUint16(v, binary.LittleEndian)
	}
}

func (w *writer) u32(v uint32) {
	if w.err == nil {
		w.err = w.enc.WriteUint32(v, binary.LittleEndian)
	}
}

func (w *writer) u64(v uint64) {
	if w.err == nil {
		w.err = w.enc.WriteUint64(v, binary.LittleEndian)
	}
}

func (w *writer) i64(v int64) {
	if w.err == nil {
		w.err = w.enc.WriteInt64(v, binary.LittleEndian)
	}
}

// u128 writes v modulo 2^128 as two little-endian words. Negative values
// wrap to their two's complement, so the same routine serves i128.
func (w *writer) u128(v *big.Int) {
	lo, hi := words128(v)
	w.u64(lo)
	w.u64(hi)
}

func (w *writer) i128(v *big.Int) { w.u128(v) }

func (w *writer) bytes32(v [32]byte) {
	if w.err == nil {
		w.err = w.enc.WriteBytes(v[:], false)
	}
}

func (w *writer) key(k solana.PublicKey) { w.bytes32(k) }

func words128(v *big.Int) (lo, hi uint64) {
	if v == nil {
		return 0, 0
	}
	m := new(big.Int).Mod(v, two128)
	lo = new(big.Int).And(m, mask64).Uint64()
	hi = m.Rsh(m, 64).Uint64()
	return lo, hi
}

// reader is the decoding counterpart of writer.
type reader struct {
	dec *bin.Decoder
	err error
}

func newReader(dec *bin.Decoder) *reader { return &reader{dec: dec} }

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint8()
	r.err = err
	return v
}

func (r *reader) boolean() bool {
	if r.err != nil {
		return false
	}
	v, err := r.dec.ReadBool()
	r.err = err
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint16(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint32(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint64(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) i64() int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadInt64(binary.LittleEndian)
	r.err = err
	return v
}

func (r *reader) u128() *big.Int {
	lo, hi := r.u64(), r.u64()
	return bin.Uint128{Lo: lo, Hi: hi}.BigInt()
}

func (r *reader) i128() *big.Int {
	lo, hi := r.u64(), r.u64()
	return bin.Int128{Lo: lo, Hi: hi}.BigInt()
}

func (r *reader) bytes32() [32]byte {
	var out [32]byte
	if r.err != nil {
		return out
	}
	b, err := r.dec.ReadNBytes(32)
	r.err = err
	copy(out[:], b)
	return out
}

func (r *reader) key() solana.PublicKey { return solana.PublicKey(r.bytes32()) }
