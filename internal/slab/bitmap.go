package slab

import (
	"encoding/binary"
	"math/bits"
)

// The occupancy bitmap is the only source of truth for slot liveness. Bit i
// lives in byte i/8 at position i%8, so reading eight bytes little-endian
// yields a word whose bit k is slot word*64+k.

// IsAccountUsed tests the occupancy bit for index.
func IsAccountUsed(buf []byte, index int) (bool, error) {
	layout, err := layoutOf(buf)
	if err != nil {
		return false, err
	}
	if index < 0 || index >= layout.Capacity {
		return false, decodeErr(IndexOutOfRange, "index %d, capacity %d", index, layout.Capacity)
	}
	b := buf[layout.BitmapOff+index/8]
	return b&(1<<(uint(index)%8)) != 0, nil
}

// ParseUsedIndices returns every occupied index in ascending order.
func ParseUsedIndices(buf []byte) ([]int, error) {
	layout, err := layoutOf(buf)
	if err != nil {
		return nil, err
	}
	indices := make([]int, 0)
	scanBitmap(buf, layout, func(index int) bool {
		indices = append(indices, index)
		return true
	})
	return indices, nil
}

// MaxAccountIndex returns the highest occupied index; ok is false when no
// slot is in use.
func MaxAccountIndex(buf []byte) (index int, ok bool, err error) {
	layout, err := layoutOf(buf)
	if err != nil {
		return 0, false, err
	}
	words := bitmapWords(layout)
	for w := words - 1; w >= 0; w-- {
		word := readWord(buf, layout, w)
		if word != 0 {
			return w*64 + 63 - bits.LeadingZeros64(word), true, nil
		}
	}
	return 0, false, nil
}

// ParseAllAccounts decodes every occupied slot in ascending index order. It
// scans the bitmap once and only decodes slots whose bit is set, so stale
// bytes in freed slots are never read. Any slot failing to decode fails the
// whole call.
func ParseAllAccounts(buf []byte) ([]IndexedAccount, error) {
	layout, err := layoutOf(buf)
	if err != nil {
		return nil, err
	}

	accounts := make([]IndexedAccount, 0)
	var decodeFailure error
	scanBitmap(buf, layout, func(index int) bool {
		acct, err := decodeAccount(buf, layout, index)
		if err != nil {
			decodeFailure = err
			return false
		}
		accounts = append(accounts, IndexedAccount{Index: index, Account: acct})
		return true
	})
	if decodeFailure != nil {
		return nil, decodeFailure
	}
	return accounts, nil
}

// scanBitmap calls visit for each set bit in ascending order until visit
// returns false.
func scanBitmap(buf []byte, layout Layout, visit func(index int) bool) {
	words := bitmapWords(layout)
	for w := 0; w < words; w++ {
		word := readWord(buf, layout, w)
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			if !visit(w*64 + bit) {
				return
			}
			word &= word - 1
		}
	}
}

func bitmapWords(layout Layout) int {
	return (layout.Capacity + 63) / 64
}

// readWord loads bitmap word w, zero-padding a short tail and masking bits
// past capacity.
func readWord(buf []byte, layout Layout, w int) uint64 {
	start := layout.BitmapOff + w*8
	end := layout.BitmapOff + layout.BitmapLen

	var word uint64
	if start+8 <= end {
		word = binary.LittleEndian.Uint64(buf[start : start+8])
	} else {
		var tail [8]byte
		copy(tail[:], buf[start:end])
		word = binary.LittleEndian.Uint64(tail[:])
	}

	if remaining := layout.Capacity - w*64; remaining < 64 {
		word &= (uint64(1) << uint(remaining)) - 1
	}
	return word
}
