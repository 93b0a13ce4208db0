package ingestion_test

import (
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	"Percolator/internal/slab"
	"Percolator/internal/testutil"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/nats-io/nats.go/jetstream"
)

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(ctx, testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return js
}

// ============================================================================
// Test: snapshot round trip through JetStream
// ============================================================================

func TestNATS_SnapshotRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	// A fresh slab per run keeps the durable consumer isolated.
	key := solana.NewWallet().PublicKey()
	subject, payload, err := ingestion.EncodeSnapshot(&event.SlabSnapshot{
		Slab:      key,
		Slot:      77,
		Data:      testutil.NewSlabBuilder(t, slab.CapacitySmall).Bytes(),
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	received := make(chan ingestion.RawSnapshot, 1)
	sub := ingestion.NewNATSSubscriber(js, received)
	if err := sub.Subscribe(ctx, ingestion.SlabSubjects([]string{key.String()})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	if _, err := js.Publish(ctx, subject, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-received:
		snap, err := ingestion.ParseSnapshot(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if snap.Slab != key || snap.Slot != 77 {
			t.Errorf("got %s slot %d, want %s slot 77", snap.Slab, snap.Slot, key)
		}
		raw.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestNATS_OutboundPublisher(t *testing.T) {
	testutil.RequireIntegration(t)
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}

	market := solana.NewWallet().PublicKey().String()
	env := &event.EventEnvelope{
		Sequence:       1,
		IdempotencyKey: "market:" + market + ":1",
		EventType:      event.EventTypeMarketUpdated,
		MarketID:       &market,
		Slot:           1,
		Timestamp:      time.Now().UTC(),
		Payload:        []byte(`{"market":"` + market + `"}`),
	}
	wire := ingestion.NewPublishableEvent(env)

	consumer, err := js.OrderedConsumer(ctx, ingestion.EventStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{wire.Subject()},
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	in := make(chan *event.EventEnvelope, 1)
	in <- env
	close(in)
	if err := ingestion.NewOutboundPublisher(js, in).Run(ctx); err != nil {
		t.Fatalf("publisher: %v", err)
	}

	msg, err := consumer.Next(jetstream.FetchMaxWait(5 * time.Second))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var got ingestion.PublishableEvent
	if err := json.Unmarshal(msg.Data(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.IdempotencyKey != env.IdempotencyKey || got.EventType != "MarketUpdated" {
		t.Errorf("got %+v", got)
	}
}
