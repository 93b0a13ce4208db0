package persistence_test

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/persistence"
	"Percolator/internal/slab"
	"Percolator/internal/testutil"
	"Percolator/migrations"
	"context"
	"fmt"
	"testing"
	"time"
)

var testSlab = testutil.Key(0x77)

// processOutputs runs the given slab images through a processor and returns
// every persisted output in order.
func processOutputs(t *testing.T, images ...[]byte) []core.CoreOutput {
	t.Helper()
	persist := make(chan core.CoreOutput, len(images))
	p := core.NewSnapshotProcessor(0, 0, persist, nil, nil, 64, nil)

	var outs []core.CoreOutput
	for i, data := range images {
		slot := uint64(100 + i*10)
		err := p.ProcessSnapshot(&event.SlabSnapshot{
			Slab:      testSlab,
			Slot:      slot,
			Data:      data,
			FetchedAt: time.Unix(1_700_000_000+int64(slot), 0).UTC(),
		})
		if err != nil {
			t.Fatalf("process slot %d: %v", slot, err)
		}
		outs = append(outs, <-persist)
	}
	return outs
}

func market(t *testing.T, nonce uint64) []byte {
	t.Helper()
	return testutil.NewSlabBuilder(t, slab.CapacitySmall).
		Nonce(nonce).
		Prices(1_000_000, 1_000_000, false).
		Margins(500, 1000).
		User(0, testutil.Key(1), 1_000_000, 5_000_000, 1_000_000).
		Bytes()
}

// ============================================================================
// Test: Row conversion (no database)
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	outs := processOutputs(t, market(t, 1))
	snap, events := persistence.RowsFromOutput(outs[0])

	if snap.Slab != testSlab.String() || snap.Slot != 100 || snap.Sequence != 0 {
		t.Errorf("got snapshot row %+v", snap)
	}
	if snap.EventCount != len(outs[0].Events) || len(events) != snap.EventCount {
		t.Errorf("got %d event rows, event count %d", len(events), snap.EventCount)
	}
	if snap.SizeBytes != len(outs[0].Raw) {
		t.Errorf("size: got %d, want %d", snap.SizeBytes, len(outs[0].Raw))
	}
	if len(snap.StateHash) != 32 || len(snap.PrevHash) != 32 {
		t.Error("hashes must be 32 bytes")
	}

	for i, e := range events {
		if e.SnapshotSequence != snap.Sequence {
			t.Errorf("event %d: snapshot sequence %d, want %d", i, e.SnapshotSequence, snap.Sequence)
		}
		if e.MarketID == nil || *e.MarketID != testSlab.String() {
			t.Errorf("event %d: market id %v", i, e.MarketID)
		}
		if i > 0 && e.Sequence != events[i-1].Sequence+1 {
			t.Errorf("event %d: sequence %d not contiguous", i, e.Sequence)
		}
	}
}

// ============================================================================
// Test: Archive round trip (Postgres)
// ============================================================================

func TestPersistenceWorker_ArchiveAndRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	outs := processOutputs(t, market(t, 1), market(t, 2))

	in := make(chan core.CoreOutput, len(outs))
	publish := make(chan *event.EventEnvelope, 64)
	for _, o := range outs {
		in <- o
	}
	close(in)

	w := persistence.NewPersistenceWorker(db, in, publish, 10, 50*time.Millisecond, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	wantEvents := 0
	for _, o := range outs {
		wantEvents += len(o.Envelopes)
	}
	if len(publish) != wantEvents {
		t.Errorf("published %d envelopes, want %d", len(publish), wantEvents)
	}

	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	tip, err := sm.LoadChainTip(ctx)
	if err != nil {
		t.Fatalf("chain tip: %v", err)
	}
	if tip.Empty || tip.NextSequence != 2 {
		t.Errorf("got tip %+v, want next sequence 2", tip)
	}
	if tip.StateHash != outs[1].StateHash {
		t.Error("tip state hash does not match last output")
	}
	if tip.NextEventSequence != int64(wantEvents) {
		t.Errorf("next event sequence: got %d, want %d", tip.NextEventSequence, wantEvents)
	}

	cps, err := sm.LoadCheckpoints(ctx)
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Slot != 110 || cps[0].Sequence != 1 {
		t.Fatalf("got checkpoints %+v, want one at slot 110", cps)
	}
	if string(cps[0].Data) != string(outs[1].Raw) {
		t.Error("checkpoint data mismatch")
	}

	keys, err := sm.LoadRecentKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	want := fmt.Sprintf("%s:%d", testSlab, 100)
	if len(keys) != 2 || keys[0] != want {
		t.Errorf("got keys %v, want first %s", keys, want)
	}

	checker := persistence.NewPostgresSnapshotChecker(db)
	if ok, err := checker.IsArchived(testSlab.String(), 110); err != nil || !ok {
		t.Errorf("slot 110: archived=%v err=%v", ok, err)
	}
	if ok, _ := checker.IsArchived(testSlab.String(), 111); ok {
		t.Error("slot 111 should not be archived")
	}
}

func TestArchiveWriter_Idempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	outs := processOutputs(t, market(t, 1))
	snap, events := persistence.RowsFromOutput(outs[0])

	w := persistence.NewArchiveWriter(db)
	for i := 0; i < 2; i++ {
		if err := w.WriteSnapshotBatch(ctx, db, []persistence.SnapshotRow{snap}); err != nil {
			t.Fatalf("write snapshot (pass %d): %v", i, err)
		}
		if err := w.WriteEventBatch(ctx, db, events); err != nil {
			t.Fatalf("write events (pass %d): %v", i, err)
		}
	}

	loaded, err := persistence.NewSnapshotManager(db).LoadEventsFrom(ctx, 0, 100)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != len(events) {
		t.Errorf("got %d events after double write, want %d", len(loaded), len(events))
	}
}

func TestMigrator_Status(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	st, err := persistence.NewMigrator(db, migrations.FS).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st) != 2 {
		t.Fatalf("got %d migrations, want 2", len(st))
	}
	for _, s := range st {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %s not applied", s.Filename)
		}
	}
	if st[0].Version != "000001" {
		t.Errorf("first version: got %s", st[0].Version)
	}
}
