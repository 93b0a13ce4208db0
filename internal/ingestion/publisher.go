package ingestion

import (
	"Percolator/internal/event"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Outbound event subjects: EventSubjectPrefix + <event type> + "." + <slab>.
const (
	EventSubjectPrefix = "percolator.events."
	EventStream        = "PERCOLATOR_EVENTS"
)

// OutboundPublisher publishes persisted events to NATS for downstream
// consumers. Events arrive only after the persistence worker committed
// them, so subscribers never see an event the archive does not have.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.EventEnvelope
}

// PublishableEvent is the outbound wire form of an envelope.
type PublishableEvent struct {
	Sequence         int64           `json:"sequence"`
	SnapshotSequence int64           `json:"snapshot_sequence"`
	EventType        string          `json:"event_type"`
	IdempotencyKey   string          `json:"idempotency_key"`
	MarketID         *string         `json:"market_id,omitempty"`
	Slot             uint64          `json:"slot"`
	Payload          json.RawMessage `json:"payload"`
	StateHash        string          `json:"state_hash"`
	Timestamp        time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts an envelope to its wire form.
func NewPublishableEvent(env *event.EventEnvelope) PublishableEvent {
	payload := json.RawMessage(env.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return PublishableEvent{
		Sequence:         env.Sequence,
		SnapshotSequence: env.SnapshotSequence,
		EventType:        env.EventType.String(),
		IdempotencyKey:   env.IdempotencyKey,
		MarketID:         env.MarketID,
		Slot:             env.Slot,
		Payload:          payload,
		StateHash:        hex.EncodeToString(env.StateHash[:]),
		Timestamp:        env.Timestamp,
	}
}

// Subject returns the subject the event is published on.
func (e PublishableEvent) Subject() string {
	subject := EventSubjectPrefix + e.EventType
	if e.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *e.MarketID)
	}
	return subject
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.EventEnvelope) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, NewPublishableEvent(env)); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				log.Printf("WARN: outbound publish failed seq=%d: %v", env.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Dedup window on the server side uses the idempotency key.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", EventStream)
	return nil
}
