package ingestion_test

import (
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	"Percolator/internal/slab"
	"Percolator/internal/testutil"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, subject string, v any) ingestion.RawSnapshot {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawSnapshot{
		Subject:    subject,
		Data:       data,
		ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func validPayload(t *testing.T) (map[string]any, []byte) {
	t.Helper()
	data := testutil.NewSlabBuilder(t, slab.CapacitySmall).Bytes()
	return map[string]any{
		"slab":       testutil.Key(9).String(),
		"slot":       uint64(123_456),
		"data":       base64.StdEncoding.EncodeToString(data),
		"fetched_at": "2024-05-06T07:08:09Z",
	}, data
}

// ============================================================================
// Test: ParseSnapshot
// ============================================================================

func TestParseSnapshot(t *testing.T) {
	payload, data := validPayload(t)
	subject := ingestion.SnapshotSubjectPrefix + testutil.Key(9).String()

	snap, err := ingestion.ParseSnapshot(rawFromJSON(t, subject, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if snap.Slab != testutil.Key(9) {
		t.Errorf("slab: got %s, want %s", snap.Slab, testutil.Key(9))
	}
	if snap.Slot != 123_456 {
		t.Errorf("slot: got %d, want 123456", snap.Slot)
	}
	if len(snap.Data) != len(data) {
		t.Errorf("data: got %d bytes, want %d", len(snap.Data), len(data))
	}
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if !snap.FetchedAt.Equal(want) {
		t.Errorf("fetched_at: got %v, want %v", snap.FetchedAt, want)
	}
}

func TestParseSnapshot_FetchedAtDefaultsToReceipt(t *testing.T) {
	payload, _ := validPayload(t)
	delete(payload, "fetched_at")

	raw := rawFromJSON(t, "", payload)
	snap, err := ingestion.ParseSnapshot(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !snap.FetchedAt.Equal(raw.ReceivedAt) {
		t.Errorf("got %v, want receive time %v", snap.FetchedAt, raw.ReceivedAt)
	}
}

func TestParseSnapshot_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		mutate  func(p map[string]any)
	}{
		{"bad slab key", "", func(p map[string]any) { p["slab"] = "not-base58-0OIl" }},
		{"zero slot", "", func(p map[string]any) { p["slot"] = 0 }},
		{"bad base64", "", func(p map[string]any) { p["data"] = "%%%" }},
		{"wrong length", "", func(p map[string]any) { p["data"] = base64.StdEncoding.EncodeToString(make([]byte, 100)) }},
		{"unknown encoding", "", func(p map[string]any) { p["encoding"] = "base58" }},
		{"subject mismatch", ingestion.SnapshotSubjectPrefix + testutil.Key(8).String(), func(p map[string]any) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := validPayload(t)
			tt.mutate(payload)

			_, err := ingestion.ParseSnapshot(rawFromJSON(t, tt.subject, payload))
			if !errors.Is(err, ingestion.ErrMalformedSnapshot) {
				t.Errorf("got %v, want ErrMalformedSnapshot", err)
			}
		})
	}

	_, err := ingestion.ParseSnapshot(ingestion.RawSnapshot{Data: []byte("{not json")})
	if !errors.Is(err, ingestion.ErrMalformedSnapshot) {
		t.Errorf("invalid JSON: got %v", err)
	}
}

func TestEncodeSnapshot_RoundTrip(t *testing.T) {
	in := &event.SlabSnapshot{
		Slab:      testutil.Key(3),
		Slot:      77,
		Data:      testutil.NewSlabBuilder(t, slab.CapacitySmall).Nonce(5).Bytes(),
		FetchedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	subject, payload, err := ingestion.EncodeSnapshot(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if subject != "percolator.slab.snapshot."+testutil.Key(3).String() {
		t.Errorf("got subject %s", subject)
	}

	out, err := ingestion.ParseSnapshot(ingestion.RawSnapshot{Subject: subject, Data: payload})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Slab != in.Slab || out.Slot != in.Slot || !out.FetchedAt.Equal(in.FetchedAt) {
		t.Errorf("got %+v", out)
	}
	if string(out.Data) != string(in.Data) {
		t.Error("data mismatch")
	}
}

// ============================================================================
// Test: Subjects and outbound events
// ============================================================================

func TestSlabSubjects(t *testing.T) {
	if got := ingestion.SlabSubjects(nil); len(got) != 1 || got[0].Subject != "percolator.slab.snapshot.>" {
		t.Errorf("empty allowlist: got %+v", got)
	}

	got := ingestion.SlabSubjects([]string{"A", "B"})
	if len(got) != 2 {
		t.Fatalf("got %d subjects, want 2", len(got))
	}
	if got[1].Subject != "percolator.slab.snapshot.B" || got[1].ConsumerName != "percolator-core-B" {
		t.Errorf("got %+v", got[1])
	}
}

func TestNewPublishableEvent(t *testing.T) {
	market := testutil.Key(4).String()
	env := &event.EventEnvelope{
		Sequence:       9,
		EventType:      event.EventTypeCrankAdvanced,
		IdempotencyKey: market + ":10:crank",
		MarketID:       &market,
		Slot:           10,
		Payload:        []byte(`{"slot":10}`),
	}
	env.StateHash[0] = 0xab

	pe := ingestion.NewPublishableEvent(env)
	if pe.Subject() != "percolator.events.CrankAdvanced."+market {
		t.Errorf("got subject %s", pe.Subject())
	}
	if !strings.HasPrefix(pe.StateHash, "ab00") || len(pe.StateHash) != 64 {
		t.Errorf("got state hash %s", pe.StateHash)
	}

	data, err := json.Marshal(pe)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"payload":{"slot":10}`) {
		t.Errorf("payload not embedded raw: %s", data)
	}

	env.Payload = nil
	env.MarketID = nil
	if got := ingestion.NewPublishableEvent(env); string(got.Payload) != "{}" || got.Subject() != "percolator.events.CrankAdvanced" {
		t.Errorf("got payload %s subject %s", got.Payload, got.Subject())
	}
}

// ============================================================================
// Test: Manual submission
// ============================================================================

func TestGRPCIngestService_SubmitSnapshot(t *testing.T) {
	ch := make(chan ingestion.RawSnapshot, 1)
	svc := ingestion.NewGRPCIngestService(ch)

	payload, _ := validPayload(t)
	raw := rawFromJSON(t, "", payload)

	snap, err := svc.SubmitSnapshot(context.Background(), raw.Data)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.Slot != 123_456 {
		t.Errorf("got slot %d", snap.Slot)
	}
	if len(ch) != 1 {
		t.Fatalf("got %d queued, want 1", len(ch))
	}

	// Rejected before queueing.
	if _, err := svc.SubmitSnapshot(context.Background(), []byte(`{}`)); !errors.Is(err, ingestion.ErrMalformedSnapshot) {
		t.Errorf("got %v, want ErrMalformedSnapshot", err)
	}

	// Full queue honours cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.SubmitSnapshot(ctx, raw.Data); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
