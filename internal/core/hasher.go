package core

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

const GenesisHashSeed = "Percolator:genesis:v1"

// StateHasher chains processed snapshots into a tamper-evident sequence.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, digest)
	h.prevHash = hash
	return hash
}

// ChainHash computes one link without touching any hasher state. Integrity
// checks over stored rows use it to recompute the chain.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (warm restart).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// SnapshotDigest is the canonical digest of a processed snapshot:
// slab || slot (8 bytes LE) || content hash || event count (4 bytes LE).
func SnapshotDigest(slabKey solana.PublicKey, slot uint64, contentHash [32]byte, eventCount int) []byte {
	digest := make([]byte, 0, 32+8+32+4)
	digest = append(digest, slabKey[:]...)
	digest = binary.LittleEndian.AppendUint64(digest, slot)
	digest = append(digest, contentHash[:]...)
	digest = binary.LittleEndian.AppendUint32(digest, uint32(eventCount))
	return digest
}

// ContentHash hashes raw slab bytes.
func ContentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
