package persistence

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PersistenceWorker drains the persist channel and batch-writes snapshots,
// events and per-slab checkpoints to Postgres in one transaction.
// The processor sends to this channel with backpressure, so if the worker
// falls behind the processor stalls and nothing is lost.
type PersistenceWorker struct {
	db          *sql.DB
	writer      *ArchiveWriter
	checkpoints *SnapshotManager

	inputChan   <-chan core.CoreOutput
	publishChan chan<- *event.EventEnvelope

	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	publishChan chan<- *event.EventEnvelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewArchiveWriter(db),
		checkpoints:  NewSnapshotManager(db),
		inputChan:    inputChan,
		publishChan:  publishChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation one last attempt is made with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = pw.maxBackoff

	for attempt := 0; ; attempt++ {
		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.Printf("WARN: persistence retry attempt %d (backoff=%v, snapshots=%d): %v",
			attempt+1, wait, len(batch), err)

		select {
		case <-ctx.Done():
			if finalErr := pw.flush(context.Background(), batch); finalErr != nil {
				return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
			}
			return nil
		case <-time.After(wait):
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	snaps := make([]SnapshotRow, 0, len(batch))
	var events []EventRow
	latest := make(map[string]core.CoreOutput)
	for _, out := range batch {
		s, ev := RowsFromOutput(out)
		snaps = append(snaps, s)
		events = append(events, ev...)
		latest[s.Slab] = out
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteSnapshotBatch(ctx, tx, snaps); err != nil {
		pw.recordError("write_snapshots")
		return err
	}

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}

	for slabKey, out := range latest {
		cp := &Checkpoint{
			Slab:      slabKey,
			Sequence:  out.Sequence,
			Slot:      out.Slot,
			Data:      out.Raw,
			StateHash: cloneHash(out.StateHash),
		}
		if err := pw.checkpoints.SaveCheckpoint(ctx, tx, cp); err != nil {
			pw.recordError("checkpoint")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistSnapshotsWritten.Add(float64(len(snaps)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.CheckpointsTaken.Add(float64(len(latest)))
		pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	pw.forward(batch)
	return nil
}

// forward hands committed envelopes to the outbound publisher. Only
// durable events are published; a full channel drops rather than blocks.
func (pw *PersistenceWorker) forward(batch []core.CoreOutput) {
	if pw.publishChan == nil {
		return
	}
	for _, out := range batch {
		for _, env := range out.Envelopes {
			select {
			case pw.publishChan <- env:
			default:
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
