package event

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// SlabSnapshot is the raw account data of one slab as fetched at a slot.
// It is the only input the core consumes; every other event is derived
// from consecutive snapshots.
type SlabSnapshot struct {
	Slab      solana.PublicKey
	Slot      uint64
	Data      []byte
	FetchedAt time.Time // Versioned input timestamp (NOT wall-clock)
}

func (s *SlabSnapshot) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", s.Slab, s.Slot)
}

func (s *SlabSnapshot) EventType() EventType {
	return EventTypeUnknown
}

func (s *SlabSnapshot) MarketID() *string {
	m := s.Slab.String()
	return &m
}

func (s *SlabSnapshot) SourceSequence() int64 {
	return int64(s.Slot)
}
