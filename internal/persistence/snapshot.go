package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles market checkpoints and the recovery reads that go
// with them. A checkpoint is the latest raw slab bytes per market; together
// with the archive tip it is enough to resume the processor.
type SnapshotManager struct {
	db *sql.DB
}

// Checkpoint is the latest persisted raw snapshot of one slab.
type Checkpoint struct {
	CheckpointID uuid.UUID
	Slab         string
	Sequence     int64
	Slot         uint64
	Data         []byte
	StateHash    []byte
	CreatedAt    time.Time
}

// ChainTip is where the processor resumes after a restart.
type ChainTip struct {
	NextSequence      int64
	NextEventSequence int64
	StateHash         [32]byte
	Empty             bool
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveCheckpoint upserts the checkpoint for cp.Slab. Older checkpoints never
// replace newer ones.
func (sm *SnapshotManager) SaveCheckpoint(ctx context.Context, ex execer, cp *Checkpoint) error {
	if cp.CheckpointID == uuid.Nil {
		cp.CheckpointID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO market_archive.checkpoints
			(slab, checkpoint_id, sequence, slot, data, state_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slab) DO UPDATE SET
			checkpoint_id = EXCLUDED.checkpoint_id,
			sequence = EXCLUDED.sequence,
			slot = EXCLUDED.slot,
			data = EXCLUDED.data,
			state_hash = EXCLUDED.state_hash,
			created_at = EXCLUDED.created_at
		WHERE market_archive.checkpoints.sequence < EXCLUDED.sequence
	`, cp.Slab, cp.CheckpointID, cp.Sequence, int64(cp.Slot), cp.Data, cp.StateHash, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Slab, err)
	}
	return nil
}

// LoadCheckpoints returns the latest checkpoint of every slab, ordered by
// sequence.
func (sm *SnapshotManager) LoadCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT checkpoint_id, slab, sequence, slot, data, state_hash, created_at
		FROM market_archive.checkpoints
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var slot int64
		if err := rows.Scan(&cp.CheckpointID, &cp.Slab, &cp.Sequence, &slot,
			&cp.Data, &cp.StateHash, &cp.CreatedAt); err != nil {
			return nil, err
		}
		cp.Slot = uint64(slot)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LoadChainTip reads the next sequences and the last state hash from the
// archive. An empty archive yields Empty=true and zero sequences.
func (sm *SnapshotManager) LoadChainTip(ctx context.Context) (ChainTip, error) {
	var tip ChainTip

	var stateHash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM market_archive.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&tip.NextSequence, &stateHash)
	if errors.Is(err, sql.ErrNoRows) {
		tip.Empty = true
		return tip, nil
	}
	if err != nil {
		return tip, fmt.Errorf("load chain tip: %w", err)
	}
	tip.NextSequence++
	copy(tip.StateHash[:], stateHash)

	var maxEvent sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM market_archive.events
	`).Scan(&maxEvent); err != nil {
		return tip, fmt.Errorf("load event sequence: %w", err)
	}
	if maxEvent.Valid {
		tip.NextEventSequence = maxEvent.Int64 + 1
	}
	return tip, nil
}

// LoadRecentKeys returns dedup keys ("slab:slot") of the most recent
// archived snapshots, oldest first, for warming the processor LRU.
func (sm *SnapshotManager) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT slab, slot FROM (
			SELECT slab, slot, sequence FROM market_archive.snapshots
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var slab string
		var slot int64
		if err := rows.Scan(&slab, &slot); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%d", slab, slot))
	}
	return keys, rows.Err()
}

// LoadSnapshotsFrom loads archived snapshot rows from a given sequence, for
// integrity verification.
func (sm *SnapshotManager) LoadSnapshotsFrom(ctx context.Context, fromSequence int64, limit int) ([]SnapshotRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, slab, slot, content_hash, state_hash, prev_hash,
		       event_count, size_bytes, fetched_at
		FROM market_archive.snapshots
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var s SnapshotRow
		var slot int64
		if err := rows.Scan(
			&s.Sequence, &s.Slab, &slot, &s.ContentHash, &s.StateHash, &s.PrevHash,
			&s.EventCount, &s.SizeBytes, &s.FetchedAt,
		); err != nil {
			return nil, err
		}
		s.Slot = uint64(slot)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadEventsFrom loads events from a given sequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, snapshot_sequence, event_type, idempotency_key, market_id, slot,
		       payload, state_hash, prev_hash, timestamp, source_sequence
		FROM market_archive.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var slot int64
		if err := rows.Scan(
			&e.Sequence, &e.SnapshotSequence, &e.EventType, &e.IdempotencyKey, &e.MarketID, &slot,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		events = append(events, e)
	}

	return events, rows.Err()
}
