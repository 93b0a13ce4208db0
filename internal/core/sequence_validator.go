package core

import (
	"github.com/gagliardetto/solana-go"
)

// SlotDecision is the outcome of sequencing one snapshot.
type SlotDecision int

const (
	SlotAccept SlotDecision = iota
	SlotStale
)

func (d SlotDecision) String() string {
	if d == SlotStale {
		return "stale"
	}
	return "accept"
}

// SlotSequencer orders snapshots per slab by slot. Snapshots at or before
// the last accepted slot are stale; gaps are expected (fetchers poll) and
// only counted.
// Not thread-safe; only accessed from the single-threaded processor.
type SlotSequencer struct {
	lastSlot map[solana.PublicKey]uint64
	metrics  *SequenceMetrics
}

func NewSlotSequencer() *SlotSequencer {
	return &SlotSequencer{
		lastSlot: make(map[solana.PublicKey]uint64),
		metrics:  NewSequenceMetrics(),
	}
}

// Check classifies slot against the last accepted slot without advancing.
// gap is the number of slots skipped since the previous snapshot.
func (ss *SlotSequencer) Check(slabKey solana.PublicKey, slot uint64) (decision SlotDecision, gap uint64) {
	last, seen := ss.lastSlot[slabKey]
	if !seen {
		return SlotAccept, 0
	}
	if slot <= last {
		return SlotStale, 0
	}
	return SlotAccept, slot - last - 1
}

// Advance records slot as the last accepted slot for slabKey.
func (ss *SlotSequencer) Advance(slabKey solana.PublicKey, slot uint64, gap uint64) {
	ss.lastSlot[slabKey] = slot
	if gap > 0 {
		ss.metrics.RecordGap(slabKey, gap)
	}
}

// RecordStale counts a dropped snapshot.
func (ss *SlotSequencer) RecordStale(slabKey solana.PublicKey) {
	ss.metrics.RecordStale(slabKey)
}

// LastSlot returns the last accepted slot for a slab.
func (ss *SlotSequencer) LastSlot(slabKey solana.PublicKey) (uint64, bool) {
	slot, ok := ss.lastSlot[slabKey]
	return slot, ok
}

// Restore sets the last accepted slot (used during recovery)
func (ss *SlotSequencer) Restore(slabKey solana.PublicKey, slot uint64) {
	ss.lastSlot[slabKey] = slot
}

// All returns a copy of the per-slab positions.
func (ss *SlotSequencer) All() map[solana.PublicKey]uint64 {
	out := make(map[solana.PublicKey]uint64, len(ss.lastSlot))
	for k, v := range ss.lastSlot {
		out[k] = v
	}
	return out
}

func (ss *SlotSequencer) Metrics() *SequenceMetrics {
	return ss.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequencing stats per slab.
// Not thread-safe; only accessed from the single-threaded processor.
type SequenceMetrics struct {
	gaps       map[solana.PublicKey]int64 // snapshots that skipped slots
	skipped    map[solana.PublicKey]uint64
	staleDrops map[solana.PublicKey]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[solana.PublicKey]int64),
		skipped:    make(map[solana.PublicKey]uint64),
		staleDrops: make(map[solana.PublicKey]int64),
	}
}

func (m *SequenceMetrics) RecordGap(slabKey solana.PublicKey, slots uint64) {
	m.gaps[slabKey]++
	m.skipped[slabKey] += slots
}

func (m *SequenceMetrics) RecordStale(slabKey solana.PublicKey) {
	m.staleDrops[slabKey]++
}

func (m *SequenceMetrics) GetGaps(slabKey solana.PublicKey) (count int64, slots uint64) {
	return m.gaps[slabKey], m.skipped[slabKey]
}

func (m *SequenceMetrics) GetStaleDrops(slabKey solana.PublicKey) int64 {
	return m.staleDrops[slabKey]
}
