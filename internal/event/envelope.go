package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketUpdated
	EventTypeCrankAdvanced
	EventTypeAccountOpened
	EventTypeAccountClosed
	EventTypePositionChanged
	EventTypeLiquidationTriggered
	EventTypeLiquidationCleared
)

// EventEnvelope wraps every event derived from a slab snapshot.
type EventEnvelope struct {
	// Global monotonic event sequence assigned by core
	Sequence int64

	// Snapshot sequence the event was derived from
	SnapshotSequence int64

	// Stable idempotency key derived from slab, slot and subject
	IdempotencyKey string

	EventType EventType

	// Slab address (base58)
	MarketID *string

	// Slot the snapshot was fetched at
	Slot uint64

	// Fetch time of the snapshot (versioned input, NOT wall-clock)
	Timestamp time.Time

	SourceSequence int64

	// JSON-encoded event payload
	Payload []byte

	// Chain tip after the snapshot that produced this event
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the slab address
	MarketID() *string

	// SourceSequence returns upstream ordering key (the slot)
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketUpdated:
		return "MarketUpdated"
	case EventTypeCrankAdvanced:
		return "CrankAdvanced"
	case EventTypeAccountOpened:
		return "AccountOpened"
	case EventTypeAccountClosed:
		return "AccountClosed"
	case EventTypePositionChanged:
		return "PositionChanged"
	case EventTypeLiquidationTriggered:
		return "LiquidationTriggered"
	case EventTypeLiquidationCleared:
		return "LiquidationCleared"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a name produced by String back to its type.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeMarketUpdated; et <= EventTypeLiquidationCleared; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
