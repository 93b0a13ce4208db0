package projection_test

import (
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/projection"
	"Percolator/internal/slab"
	"Percolator/internal/state"
	"Percolator/internal/testutil"
	"context"
	"math/big"
	"testing"
	"time"
)

var testSlab = testutil.Key(0x31)

func crank(prev, last uint64, index int64) *event.CrankAdvanced {
	return &event.CrankAdvanced{
		Market:                testSlab.String(),
		Slot:                  last + 5,
		PrevCrankSlot:         prev,
		LastCrankSlot:         last,
		FundingRateBpsPerSlot: 3,
		FundingRateBpsPerHour: big.NewInt(27_000),
		FundingIndexQpbE6:     big.NewInt(index),
		MarkPriceE6:           1_000_000,
	}
}

// ============================================================================
// Test: Funding history
// ============================================================================

func TestFundingHistoryProjection_Apply(t *testing.T) {
	p := projection.NewFundingHistoryProjection(0)

	first, ok := p.Apply(crank(0, 100, 500), 1)
	if !ok {
		t.Fatal("first crank rejected")
	}
	if first.IndexDelta.Sign() != 0 {
		t.Errorf("first delta: got %s, want 0", first.IndexDelta)
	}
	if first.SlotsElapsed != 100 {
		t.Errorf("first elapsed: got %d, want 100", first.SlotsElapsed)
	}

	second, ok := p.Apply(crank(100, 160, 440), 2)
	if !ok {
		t.Fatal("second crank rejected")
	}
	if second.IndexDelta.Cmp(big.NewInt(-60)) != 0 {
		t.Errorf("delta: got %s, want -60", second.IndexDelta)
	}
	if second.SlotsElapsed != 60 {
		t.Errorf("elapsed: got %d, want 60", second.SlotsElapsed)
	}

	// Replayed crank is ignored.
	if _, ok := p.Apply(crank(100, 160, 440), 3); ok {
		t.Error("replayed crank should be ignored")
	}

	hist := p.QueryBySlab(testSlab.String(), 10)
	if len(hist) != 2 || hist[0].LastCrankSlot != 160 {
		t.Errorf("got %d entries, newest %d", len(hist), hist[0].LastCrankSlot)
	}
	if got := p.QueryBySlab(testSlab.String(), 1); len(got) != 1 {
		t.Errorf("limit: got %d entries, want 1", len(got))
	}
	if got := p.QueryBySlab("other", 10); len(got) != 0 {
		t.Errorf("unknown slab: got %d entries", len(got))
	}
}

func TestFundingHistoryProjection_Bounded(t *testing.T) {
	p := projection.NewFundingHistoryProjection(3)
	for i := uint64(1); i <= 5; i++ {
		p.Apply(crank((i-1)*10, i*10, int64(i)), int64(i))
	}

	hist := p.QueryBySlab(testSlab.String(), 0)
	if len(hist) != 3 {
		t.Fatalf("got %d entries, want 3", len(hist))
	}
	if hist[2].LastCrankSlot != 30 {
		t.Errorf("oldest kept: got %d, want 30", hist[2].LastCrankSlot)
	}

	p.Reset()
	if len(p.QueryBySlab(testSlab.String(), 0)) != 0 {
		t.Error("reset should drop history")
	}
}

// ============================================================================
// Test: Account rows
// ============================================================================

func TestAccountRows(t *testing.T) {
	data := testutil.NewSlabBuilder(t, slab.CapacitySmall).
		Prices(1_000_000, 1_000_000, false).
		Margins(500, 1000).
		User(3, testutil.Key(1), 1_000_000, -4_000_000, 1_000_000).
		LP(7, testutil.Key(2), testutil.Key(50), testutil.Key(51), 5_000_000).
		Bytes()
	snap, err := slab.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rows := projection.AccountRows(testSlab, 900, 12, state.PositionViews(snap))
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	u := rows[0]
	if u.Index != 3 || u.Side != "short" || u.PositionSize != "-4000000" {
		t.Errorf("user row: %+v", u)
	}
	if u.Capital != "1000000" || u.Slot != 900 || u.Sequence != 12 {
		t.Errorf("user row figures: %+v", u)
	}

	lp := rows[1]
	if lp.Index != 7 || lp.Side != "flat" || lp.MarginRatio != "Infinity" {
		t.Errorf("lp row: %+v", lp)
	}
	if lp.MarginStatus != "Healthy" {
		t.Errorf("lp status: got %s, want Healthy", lp.MarginStatus)
	}
}

// ============================================================================
// Test: Worker without a database
// ============================================================================

func TestProjectionWorker_InMemoryFunding(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	proj := make(chan core.CoreOutput, 8)
	p := core.NewSnapshotProcessor(0, 0, persist, proj, nil, 64, nil)

	for i, crankSlot := range []uint64{100, 100, 150, 210} {
		data := testutil.NewSlabBuilder(t, slab.CapacitySmall).
			Prices(1_000_000, 1_000_000, false).
			Margins(500, 1000).
			Crank(crankSlot, 1).
			Bytes()
		err := p.ProcessSnapshot(&event.SlabSnapshot{
			Slab:      testSlab,
			Slot:      uint64(200 + i*50),
			Data:      data,
			FetchedAt: time.Unix(1_700_000_000, 0),
		})
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	close(proj)

	w := projection.NewProjectionWorker(nil, proj, nil, nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if w.LastSequence() != 3 {
		t.Errorf("last sequence: got %d, want 3", w.LastSequence())
	}
	hist := w.Funding().QueryBySlab(testSlab.String(), 0)
	if len(hist) != 2 {
		t.Fatalf("got %d funding entries, want 2", len(hist))
	}
	if hist[0].LastCrankSlot != 210 || hist[0].PrevCrankSlot != 150 || hist[0].SlotsElapsed != 60 {
		t.Errorf("newest entry: %+v", hist[0])
	}
}
