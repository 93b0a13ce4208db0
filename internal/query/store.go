package query

import (
	"Percolator/internal/core"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// LatestStore holds the latest processor output per market for read
// queries. Safe for concurrent use: the fan-out goroutine writes while
// API handlers read.
type LatestStore struct {
	mu      sync.RWMutex
	markets map[solana.PublicKey]core.CoreOutput
}

func NewLatestStore() *LatestStore {
	return &LatestStore{markets: make(map[solana.PublicKey]core.CoreOutput)}
}

// Update stores out unless a newer output for the same market is already
// present.
func (s *LatestStore) Update(out core.CoreOutput) bool {
	if out.Snapshot == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.markets[out.Slab]; ok && cur.Sequence > out.Sequence {
		return false
	}
	s.markets[out.Slab] = out
	return true
}

// Get returns the latest output for a market.
func (s *LatestStore) Get(slab solana.PublicKey) (core.CoreOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.markets[slab]
	return out, ok
}

// List returns the latest output of every market ordered by slab address.
func (s *LatestStore) List() []core.CoreOutput {
	s.mu.RLock()
	out := make([]core.CoreOutput, 0, len(s.markets))
	for _, o := range s.markets {
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Slab.String() < out[j].Slab.String()
	})
	return out
}

// Len returns the number of markets tracked.
func (s *LatestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markets)
}
