package ingestion

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/observability"
	"context"
	"errors"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
)

// SnapshotApplier consumes parsed snapshots. *core.SnapshotProcessor is the
// production implementation.
type SnapshotApplier interface {
	ProcessSnapshot(in *event.SlabSnapshot) error
}

// ProcessorLoop feeds queued messages to the processor one at a time and
// settles each message by outcome: malformed or undecodable messages are
// terminated, other failures are redelivered, everything else is acked.
type ProcessorLoop struct {
	in      <-chan RawSnapshot
	applier SnapshotApplier
	allowed map[solana.PublicKey]bool
	metrics *observability.Metrics
}

// NewProcessorLoop builds the loop. An empty allowlist accepts every slab.
func NewProcessorLoop(
	in <-chan RawSnapshot,
	applier SnapshotApplier,
	allowlist []solana.PublicKey,
	metrics *observability.Metrics,
) *ProcessorLoop {
	var allowed map[solana.PublicKey]bool
	if len(allowlist) > 0 {
		allowed = make(map[solana.PublicKey]bool, len(allowlist))
		for _, k := range allowlist {
			allowed[k] = true
		}
	}
	return &ProcessorLoop{in: in, applier: applier, allowed: allowed, metrics: metrics}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (l *ProcessorLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-l.in:
			if !ok {
				return nil
			}
			l.handle(raw)
		}
	}
}

func (l *ProcessorLoop) handle(raw RawSnapshot) {
	source := "nats"
	if raw.Subject == "" {
		source = "api"
	}

	snap, err := ParseSnapshot(raw)
	if err != nil {
		log.Printf("WARN: drop malformed snapshot (subject=%s): %v", raw.Subject, err)
		l.count(source, "malformed")
		raw.Term()
		return
	}

	if l.allowed != nil && !l.allowed[snap.Slab] {
		log.Printf("WARN: drop snapshot for unknown slab %s", snap.Slab)
		l.count(source, "rejected")
		raw.Term()
		return
	}

	if err := l.applier.ProcessSnapshot(snap); err != nil {
		if errors.Is(err, core.ErrInvalidSnapshot) {
			log.Printf("WARN: drop undecodable snapshot %s: %v", snap.IdempotencyKey(), err)
			l.count(source, "invalid")
			raw.Term()
			return
		}
		log.Printf("ERROR: process snapshot %s: %v", snap.IdempotencyKey(), err)
		l.count(source, "retry")
		raw.Nak()
		return
	}

	l.count(source, "applied")
	if l.metrics != nil && !raw.ReceivedAt.IsZero() {
		l.metrics.IngestToApply.Observe(time.Since(raw.ReceivedAt).Seconds())
	}
	raw.Ack()
}

func (l *ProcessorLoop) count(source, result string) {
	if l.metrics != nil {
		l.metrics.IngestMessages.WithLabelValues(source, result).Inc()
	}
}
