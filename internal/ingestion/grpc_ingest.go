package ingestion

import (
	"Percolator/internal/event"
	"context"
	"fmt"
	"time"
)

// GRPCIngestService accepts snapshots submitted over the admin API. It is
// for backfills and manual replays, not for high-throughput ingestion (use
// NATS for that). Submissions join the same queue as NATS messages so the
// processor sees one ordered stream.
type GRPCIngestService struct {
	snapshotChan chan<- RawSnapshot
}

func NewGRPCIngestService(snapshotChan chan<- RawSnapshot) *GRPCIngestService {
	return &GRPCIngestService{snapshotChan: snapshotChan}
}

// SubmitSnapshot validates a wire-format snapshot and queues it. Malformed
// payloads are rejected before they reach the processor.
func (s *GRPCIngestService) SubmitSnapshot(ctx context.Context, payload []byte) (*event.SlabSnapshot, error) {
	raw := RawSnapshot{
		Subject:    "",
		Data:       payload,
		ReceivedAt: time.Now(),
	}
	snap, err := ParseSnapshot(raw)
	if err != nil {
		return nil, err
	}

	select {
	case s.snapshotChan <- raw:
		return snap, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("queue snapshot: %w", ctx.Err())
	}
}

// SubmitRaw queues already-decoded account bytes for a slab.
func (s *GRPCIngestService) SubmitRaw(ctx context.Context, snap *event.SlabSnapshot) error {
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	_, payload, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.SubmitSnapshot(ctx, payload)
	return err
}
