package persistence

import (
	"Percolator/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ArchiveWriter writes snapshot and event rows to Postgres using
// multi-row INSERTs. Writes are idempotent on sequence.
type ArchiveWriter struct {
	db *sql.DB
}

// SnapshotRow represents a row in market_archive.snapshots
type SnapshotRow struct {
	Sequence    int64
	Slab        string
	Slot        uint64
	ContentHash []byte
	StateHash   []byte
	PrevHash    []byte
	EventCount  int
	SizeBytes   int
	FetchedAt   time.Time
}

// EventRow represents a row in market_archive.events
type EventRow struct {
	Sequence         int64
	SnapshotSequence int64
	EventType        string
	IdempotencyKey   string
	MarketID         *string
	Slot             uint64
	Payload          []byte // JSON-encoded event payload
	StateHash        []byte
	PrevHash         []byte
	Timestamp        time.Time
	SourceSequence   int64
}

func NewArchiveWriter(db *sql.DB) *ArchiveWriter {
	return &ArchiveWriter{db: db}
}

// RowsFromOutput converts a processor output into archive rows.
func RowsFromOutput(out core.CoreOutput) (SnapshotRow, []EventRow) {
	snap := SnapshotRow{
		Sequence:    out.Sequence,
		Slab:        out.Slab.String(),
		Slot:        out.Slot,
		ContentHash: cloneHash(out.ContentHash),
		StateHash:   cloneHash(out.StateHash),
		PrevHash:    cloneHash(out.PrevHash),
		EventCount:  len(out.Events),
		SizeBytes:   len(out.Raw),
		FetchedAt:   out.FetchedAt,
	}

	events := make([]EventRow, 0, len(out.Envelopes))
	for _, env := range out.Envelopes {
		var marketID *string
		if env.MarketID != nil {
			s := *env.MarketID
			marketID = &s
		}
		events = append(events, EventRow{
			Sequence:         env.Sequence,
			SnapshotSequence: env.SnapshotSequence,
			EventType:        env.EventType.String(),
			IdempotencyKey:   env.IdempotencyKey,
			MarketID:         marketID,
			Slot:             env.Slot,
			Payload:          env.Payload,
			StateHash:        cloneHash(env.StateHash),
			PrevHash:         cloneHash(env.PrevHash),
			Timestamp:        env.Timestamp,
			SourceSequence:   env.SourceSequence,
		})
	}
	return snap, events
}

func cloneHash(h [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}

// WriteSnapshotBatch writes snapshot rows using multi-row INSERT.
func (w *ArchiveWriter) WriteSnapshotBatch(ctx context.Context, ex execer, snaps []SnapshotRow) error {
	if len(snaps) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO market_archive.snapshots
		(sequence, slab, slot, content_hash, state_hash, prev_hash, event_count, size_bytes, fetched_at)
		VALUES `

	values := make([]string, 0, len(snaps))
	args := make([]any, 0, len(snaps)*cols)

	for i, s := range snaps {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			s.Sequence, s.Slab, int64(s.Slot), s.ContentHash, s.StateHash,
			s.PrevHash, s.EventCount, s.SizeBytes, s.FetchedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteEventBatch writes event rows using multi-row INSERT.
func (w *ArchiveWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO market_archive.events
		(sequence, snapshot_sequence, event_type, idempotency_key, market_id, slot,
		 payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.SnapshotSequence, e.EventType, e.IdempotencyKey, e.MarketID,
			int64(e.Slot), e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
