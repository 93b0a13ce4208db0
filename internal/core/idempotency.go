package core

import (
	"container/list"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SnapshotDeduper implements two-tier deduplication of snapshots keyed by
// slab and slot. JetStream redelivers unacknowledged messages and fetchers
// may publish the same slot twice; both must be processed once.
type SnapshotDeduper struct {
	// Tier 1: in-memory LRU
	lru *KeyLRU

	// Tier 2: Postgres archive (optional)
	dbChecker DBSnapshotChecker

	metrics *DedupMetrics
}

// DBSnapshotChecker looks a snapshot up in the archive.
type DBSnapshotChecker interface {
	IsArchived(slab string, slot uint64) (bool, error)
}

func NewSnapshotDeduper(capacity int, dbChecker DBSnapshotChecker) *SnapshotDeduper {
	return &SnapshotDeduper{
		lru:       NewKeyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   &DedupMetrics{},
	}
}

func dedupKey(slabKey solana.PublicKey, slot uint64) string {
	return fmt.Sprintf("%s:%d", slabKey, slot)
}

// IsDuplicate reports whether the snapshot has already been processed.
// Archive errors count as "not seen": the slot sequencer still rejects
// anything older than the last accepted slot.
func (d *SnapshotDeduper) IsDuplicate(slabKey solana.PublicKey, slot uint64) bool {
	key := dedupKey(slabKey, slot)
	if d.lru.Contains(key) {
		d.metrics.LRUHits++
		return true
	}

	if d.dbChecker != nil {
		archived, err := d.dbChecker.IsArchived(slabKey.String(), slot)
		if err != nil {
			d.metrics.Tier2Errors++
			return false
		}
		if archived {
			d.metrics.ArchiveHits++
			d.lru.Add(key)
			return true
		}
	}
	return false
}

// MarkProcessed adds the snapshot to the LRU after successful processing.
func (d *SnapshotDeduper) MarkProcessed(slabKey solana.PublicKey, slot uint64) {
	d.lru.Add(dedupKey(slabKey, slot))
}

// Warm loads previously processed keys (warm restart).
func (d *SnapshotDeduper) Warm(keys []string) {
	for _, k := range keys {
		d.lru.Add(k)
	}
}

func (d *SnapshotDeduper) Keys() []string {
	return d.lru.Keys()
}

func (d *SnapshotDeduper) Size() int {
	return d.lru.Size()
}

func (d *SnapshotDeduper) Metrics() DedupMetrics {
	m := *d.metrics
	m.Evictions = d.lru.evictions
	return m
}

// DedupMetrics counts duplicate hits per tier.
type DedupMetrics struct {
	LRUHits     int64
	ArchiveHits int64
	Tier2Errors int64
	Evictions   int64
}

// --- LRU Implementation ---

// KeyLRU is a bounded set of strings evicting the least recently used.
// Not thread-safe; only accessed from the single-threaded processor.
type KeyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewKeyLRU(capacity int) *KeyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &KeyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *KeyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (lru *KeyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// Keys returns keys from least to most recently used, so re-adding them in
// order reproduces the same recency.
func (lru *KeyLRU) Keys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *KeyLRU) Size() int {
	return lru.order.Len()
}

func (lru *KeyLRU) Evictions() int64 {
	return lru.evictions
}
