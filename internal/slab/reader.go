package slab

import (
	"encoding/binary"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// fieldReader reads little-endian fields at absolute offsets. The first
// failure sticks; callers check err once after a group of reads.
type fieldReader struct {
	buf []byte
	err error
}

func newFieldReader(buf []byte) *fieldReader {
	return &fieldReader{buf: buf}
}

func (r *fieldReader) decoder(off, n int) *bin.Decoder {
	if r.err != nil {
		return nil
	}
	if off < 0 || n < 0 || off+n > len(r.buf) {
		r.err = decodeErr(InvalidSlabLen, "read of %d bytes at offset %d exceeds buffer length %d", n, off, len(r.buf))
		return nil
	}
	return bin.NewBinDecoder(r.buf[off : off+n])
}

func (r *fieldReader) fail(err error) {
	if r.err == nil && err != nil {
		r.err = decodeErr(InvalidSlabLen, "%v", err)
	}
}

func (r *fieldReader) u8(off int) uint8 {
	dec := r.decoder(off, 1)
	if dec == nil {
		return 0
	}
	v, err := dec.ReadUint8()
	r.fail(err)
	return v
}

func (r *fieldReader) u16(off int) uint16 {
	dec := r.decoder(off, 2)
	if dec == nil {
		return 0
	}
	v, err := dec.ReadUint16(binary.LittleEndian)
	r.fail(err)
	return v
}

func (r *fieldReader) u32(off int) uint32 {
	dec := r.decoder(off, 4)
	if dec == nil {
		return 0
	}
	v, err := dec.ReadUint32(binary.LittleEndian)
	r.fail(err)
	return v
}

func (r *fieldReader) u64(off int) uint64 {
	dec := r.decoder(off, 8)
	if dec == nil {
		return 0
	}
	v, err := dec.ReadUint64(binary.LittleEndian)
	r.fail(err)
	return v
}

func (r *fieldReader) i64(off int) int64 {
	dec := r.decoder(off, 8)
	if dec == nil {
		return 0
	}
	v, err := dec.ReadInt64(binary.LittleEndian)
	r.fail(err)
	return v
}

// words128 reads the low and high halves of a 128-bit field.
func (r *fieldReader) words128(off int) (lo, hi uint64) {
	dec := r.decoder(off, 16)
	if dec == nil {
		return 0, 0
	}
	lo, err := dec.ReadUint64(binary.LittleEndian)
	r.fail(err)
	hi, err = dec.ReadUint64(binary.LittleEndian)
	r.fail(err)
	return lo, hi
}

func (r *fieldReader) u128(off int) *big.Int {
	lo, hi := r.words128(off)
	return bin.Uint128{Lo: lo, Hi: hi}.BigInt()
}

func (r *fieldReader) i128(off int) *big.Int {
	lo, hi := r.words128(off)
	return bin.Int128{Lo: lo, Hi: hi}.BigInt()
}

func (r *fieldReader) bytes32(off int) [32]byte {
	var out [32]byte
	dec := r.decoder(off, 32)
	if dec == nil {
		return out
	}
	b, err := dec.ReadNBytes(32)
	r.fail(err)
	copy(out[:], b)
	return out
}

func (r *fieldReader) pubkey(off int) solana.PublicKey {
	return solana.PublicKey(r.bytes32(off))
}

// requireLen fails with InvalidSlabLen when buf is shorter than end.
func requireLen(buf []byte, end int, section string) error {
	if len(buf) < end {
		return decodeErr(InvalidSlabLen, "%s needs %d bytes, buffer has %d", section, end, len(buf))
	}
	return nil
}
