package query_test

import (
	"Percolator/internal/abi"
	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/persistence"
	"Percolator/internal/projection"
	"Percolator/internal/query"
	"Percolator/internal/slab"
	"Percolator/internal/testutil"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"
)

var testSlab = testutil.Key(0x42)

func market(t *testing.T) *testutil.SlabBuilder {
	t.Helper()
	return testutil.NewSlabBuilder(t, slab.CapacitySmall).
		Admin(testutil.Key(0xad)).
		Nonce(7).
		Prices(1_500_000, 1_490_000, false).
		Margins(500, 1000).
		Crank(1_000, 2).
		User(1, testutil.Key(1), 2_000_000, 10_000_000, 1_000_000).
		User(4, testutil.Key(4), 400_000, -10_000_000, 1_500_000).
		LP(2, testutil.Key(2), testutil.Key(50), testutil.Key(51), 5_000_000)
}

// process runs images through a processor and returns the persisted
// outputs in order.
func process(t *testing.T, images ...[]byte) []core.CoreOutput {
	t.Helper()
	persist := make(chan core.CoreOutput, len(images))
	p := core.NewSnapshotProcessor(0, 0, persist, nil, nil, 64, nil)
	var outs []core.CoreOutput
	for i, data := range images {
		slot := uint64(1_000 + i)
		if err := p.ProcessSnapshot(&event.SlabSnapshot{
			Slab:      testSlab,
			Slot:      slot,
			Data:      data,
			FetchedAt: time.Unix(1_700_000_000, 0).UTC(),
		}); err != nil {
			t.Fatalf("process: %v", err)
		}
		outs = append(outs, <-persist)
	}
	return outs
}

func newService(t *testing.T) *query.QueryService {
	t.Helper()
	store := query.NewLatestStore()
	for _, out := range process(t, market(t).Bytes()) {
		store.Update(out)
	}
	return query.NewQueryService(store, nil, nil)
}

// ============================================================================
// Test: Market state
// ============================================================================

func TestQueryService_GetMarket(t *testing.T) {
	qs := newService(t)
	ctx := context.Background()

	m, err := qs.GetMarket(ctx, testSlab.String())
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if m.Nonce != 7 || m.Admin != testutil.Key(0xad).String() {
		t.Errorf("got nonce %d admin %s", m.Nonce, m.Admin)
	}
	if m.MarkPrice != "1.5" || m.IndexPrice != "1.49" {
		t.Errorf("got mark %s index %s, want 1.5 / 1.49", m.MarkPrice, m.IndexPrice)
	}
	if m.Users != 2 || m.LPs != 1 || m.OpenPositions != 2 {
		t.Errorf("got users %d lps %d open %d", m.Users, m.LPs, m.OpenPositions)
	}
	if m.AsOfSequence != 0 || len(m.StateHash) != 64 {
		t.Errorf("got as_of %d state hash %q", m.AsOfSequence, m.StateHash)
	}

	if got := qs.ListMarkets(ctx); len(got) != 1 {
		t.Errorf("got %d markets, want 1", len(got))
	}

	if _, err := qs.GetMarket(ctx, testutil.Key(0x43).String()); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown market: got %v, want ErrNotFound", err)
	}
	if _, err := qs.GetMarket(ctx, "not a key"); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("bad key: got %v, want ErrInvalidArgument", err)
	}
}

func TestQueryService_Accounts(t *testing.T) {
	qs := newService(t)
	ctx := context.Background()

	all, err := qs.ListAccounts(ctx, testSlab.String(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Index != 1 || all[1].Index != 2 || all[2].Index != 4 {
		t.Fatalf("got %d accounts in wrong order: %+v", len(all), all)
	}

	lps, err := qs.ListAccounts(ctx, testSlab.String(), "LP")
	if err != nil {
		t.Fatalf("list lps: %v", err)
	}
	if len(lps) != 1 || lps[0].Matcher == nil || lps[0].Matcher.Program != testutil.Key(50).String() {
		t.Errorf("got lps %+v", lps)
	}
	if _, err := qs.ListAccounts(ctx, testSlab.String(), "whale"); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("bad kind: got %v", err)
	}

	pos, err := qs.GetPosition(ctx, testSlab.String(), "1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Side != "long" || pos.Size != "10000000" || pos.EntryPrice != "1" || pos.MarkPrice != "1.5" {
		t.Errorf("got position %+v", pos)
	}
	if pos.UnrealizedPnL != "5000000" {
		t.Errorf("pnl: got %s, want 5000000", pos.UnrealizedPnL)
	}

	if _, err := qs.GetPosition(ctx, testSlab.String(), "3"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("free slot: got %v, want ErrNotFound", err)
	}
	if _, err := qs.GetPosition(ctx, testSlab.String(), "70000"); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("out of range: got %v, want ErrInvalidArgument", err)
	}
}

func TestQueryService_ConfigAndNonce(t *testing.T) {
	qs := newService(t)
	ctx := context.Background()

	cfg, err := qs.GetConfig(ctx, testSlab.String())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MaintenanceMarginBps != 500 || cfg.InitialMarginBps != 1000 {
		t.Errorf("got margins %d/%d", cfg.MaintenanceMarginBps, cfg.InitialMarginBps)
	}
	if len(cfg.IndexFeedID) != 64 {
		t.Errorf("feed id should be 32 bytes hex, got %q", cfg.IndexFeedID)
	}

	n, err := qs.GetNonce(ctx, testSlab.String())
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if n.Nonce != 7 || n.Slot != 1_000 {
		t.Errorf("got nonce %+v", n)
	}
}

func TestQueryService_LiquidationsAndInsurance(t *testing.T) {
	qs := newService(t)
	ctx := context.Background()

	liqs, err := qs.GetLiquidations(ctx, testSlab.String())
	if err != nil {
		t.Fatalf("liquidations: %v", err)
	}
	// Short 10 at 1.5 with 0.4 capital is exactly flat on PnL: 0.4/15 = 266 bps.
	if len(liqs.Candidates) != 1 || liqs.Candidates[0].Index != 4 {
		t.Fatalf("got candidates %+v", liqs.Candidates)
	}

	ins, err := qs.GetInsurance(ctx, testSlab.String())
	if err != nil {
		t.Fatalf("insurance: %v", err)
	}
	if ins.TotalDeficit != "0" || !ins.CanCoverAll {
		t.Errorf("got insurance %+v", ins)
	}
}

func TestLatestStore_IgnoresOlder(t *testing.T) {
	outs := process(t, market(t).Bytes(), market(t).Nonce(8).Bytes())
	store := query.NewLatestStore()

	if !store.Update(outs[1]) {
		t.Fatal("newer output rejected")
	}
	if store.Update(outs[0]) {
		t.Error("older output should be ignored")
	}
	got, ok := store.Get(testSlab)
	if !ok || got.Sequence != 1 {
		t.Errorf("got sequence %d, want 1", got.Sequence)
	}
	if store.Update(core.CoreOutput{}) {
		t.Error("output without snapshot should be ignored")
	}
	if store.Len() != 1 {
		t.Errorf("got %d markets, want 1", store.Len())
	}
}

func TestQueryService_ServesRestoredCheckpoint(t *testing.T) {
	p := core.NewSnapshotProcessor(0, 0, make(chan core.CoreOutput, 1), nil, nil, 64, nil)
	restored, err := p.RestoreMarket(testSlab, 9, 1_000, market(t).Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	store := query.NewLatestStore()
	if !store.Update(restored) {
		t.Fatal("restored output rejected")
	}
	qs := query.NewQueryService(store, nil, nil)
	ctx := context.Background()

	n, err := qs.GetNonce(ctx, testSlab.String())
	if err != nil {
		t.Fatalf("nonce after restore: %v", err)
	}
	if n.Nonce != 7 || n.Slot != 1_000 {
		t.Errorf("got nonce %+v", n)
	}
	if _, err := qs.GetConfig(ctx, testSlab.String()); err != nil {
		t.Errorf("config after restore: %v", err)
	}

	// A live snapshot with a later sequence replaces the checkpoint view.
	live := restored
	live.Sequence = 10
	live.Slot = 1_001
	if !store.Update(live) {
		t.Error("live output after restore rejected")
	}
}

// ============================================================================
// Test: Funding and archive
// ============================================================================

func TestQueryService_ListFunding(t *testing.T) {
	funding := projection.NewFundingHistoryProjection(0)
	funding.Apply(&event.CrankAdvanced{
		Market:                testSlab.String(),
		Slot:                  1_010,
		PrevCrankSlot:         1_000,
		LastCrankSlot:         1_005,
		FundingRateBpsPerSlot: 2,
		FundingRateBpsPerHour: big.NewInt(18_000),
		FundingIndexQpbE6:     big.NewInt(123),
		MarkPriceE6:           1_500_000,
	}, 3)

	qs := query.NewQueryService(nil, nil, funding)
	hist, err := qs.ListFunding(context.Background(), testSlab.String(), 0)
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if len(hist) != 1 || hist[0].SlotsElapsed != 5 || hist[0].MarkPrice != "1.5" {
		t.Errorf("got %+v", hist)
	}

	noFunding := query.NewQueryService(nil, nil, nil)
	if _, err := noFunding.ListFunding(context.Background(), testSlab.String(), 0); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestQueryService_ArchiveUnavailable(t *testing.T) {
	qs := newService(t)
	if _, err := qs.ListEvents(context.Background(), "", 0, 10); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("events: got %v, want ErrUnavailable", err)
	}
	if _, err := qs.VerifyIntegrity(context.Background(), 0, 10); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("integrity: got %v, want ErrUnavailable", err)
	}
}

func TestVerifyChain(t *testing.T) {
	outs := process(t, market(t).Bytes(), market(t).Nonce(8).Bytes(), market(t).Nonce(9).Bytes())
	rows := make([]persistence.SnapshotRow, 0, len(outs))
	for _, o := range outs {
		r, _ := persistence.RowsFromOutput(o)
		rows = append(rows, r)
	}

	if got := query.VerifyChain(rows); !got.IsHealthy || got.Checked != 3 {
		t.Errorf("clean chain: got %+v", got)
	}

	// A window that does not start at genesis trusts its first link.
	if got := query.VerifyChain(rows[1:]); !got.IsHealthy {
		t.Errorf("window: got %+v", got)
	}

	tampered := append([]persistence.SnapshotRow(nil), rows...)
	tampered[1].EventCount++
	got := query.VerifyChain(tampered)
	if got.IsHealthy || len(got.StateHashMismatches) != 1 || got.StateHashMismatches[0] != 1 {
		t.Errorf("tampered digest: got %+v", got)
	}

	broken := append([]persistence.SnapshotRow(nil), rows...)
	broken[2].PrevHash = make([]byte, 32)
	got = query.VerifyChain(broken)
	if len(got.HashChainBreaks) != 1 || got.HashChainBreaks[0] != 2 {
		t.Errorf("broken link: got %+v", got)
	}

	gap := []persistence.SnapshotRow{rows[0], rows[2]}
	if got := query.VerifyChain(gap); len(got.SequenceGaps) != 1 || got.IsHealthy {
		t.Errorf("gap: got %+v", got)
	}
}

// ============================================================================
// Test: Stateless tools
// ============================================================================

func TestQueryService_DecodeError(t *testing.T) {
	qs := query.NewQueryService(nil, nil, nil)

	tests := []struct {
		in    string
		code  uint32
		name  string
		known bool
	}{
		{"13", 13, "EngineInsufficientBalance", true},
		{"0xe", 14, "EngineUndercollateralized", true},
		{"0X0", 0, "InvalidMagic", true},
		{"999", 999, "Unknown(999)", false},
	}
	for _, tt := range tests {
		got, err := qs.DecodeError(tt.in)
		if err != nil {
			t.Errorf("%s: %v", tt.in, err)
			continue
		}
		if got.Code != tt.code || got.Name != tt.name || got.Known != tt.known {
			t.Errorf("%s: got %+v", tt.in, got)
		}
	}

	for _, bad := range []string{"", "-1", "abc", "0xZZ", "4294967296", "1.5"} {
		if _, err := qs.DecodeError(bad); !errors.Is(err, query.ErrInvalidArgument) {
			t.Errorf("%q: got %v, want ErrInvalidArgument", bad, err)
		}
	}
}

func TestQueryService_DecodeInstruction(t *testing.T) {
	qs := query.NewQueryService(nil, nil, nil)
	data := abi.MustEncode(&abi.DepositCollateral{UserIdx: 3, Amount: 1_000})

	got, err := qs.DecodeInstruction(base64.StdEncoding.EncodeToString(data), "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != "DepositCollateral" || got.Tag != 3 || got.Command != "deposit" {
		t.Errorf("got %+v", got)
	}
	ix, ok := got.Args.(*abi.DepositCollateral)
	if !ok || ix.UserIdx != 3 || ix.Amount != 1_000 {
		t.Errorf("got args %#v", got.Args)
	}

	if _, err := qs.DecodeInstruction("0x"+hex.EncodeToString(data), "hex"); err != nil {
		t.Errorf("hex: %v", err)
	}
	if _, err := qs.DecodeInstruction(hex.EncodeToString(append(data, 0)), "hex"); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("trailing byte: got %v", err)
	}
	if _, err := qs.DecodeInstruction("AA==", "base58"); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("encoding: got %v", err)
	}
}

func TestQueryService_AuditCompute(t *testing.T) {
	qs := query.NewQueryService(nil, nil, nil)

	got, err := qs.AuditCompute(query.AuditRequest{
		Command: "deposit",
		Logs: []string{
			"Program log: start: 190000 CU remaining",
			"Program log: end: 185000 CU remaining",
		},
		Consumed: 15_000,
		Budget:   20_000,
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if got.PercentUsed != "75.0" || got.Status != "OK" || got.Remaining != 5_000 {
		t.Errorf("got %+v", got)
	}
	if len(got.Checkpoints) != 2 || got.Checkpoints[0].Elapsed != nil || *got.Checkpoints[1].Elapsed != 5_000 {
		t.Errorf("got checkpoints %+v", got.Checkpoints)
	}

	if _, err := qs.AuditCompute(query.AuditRequest{}); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("missing command: got %v", err)
	}
}
