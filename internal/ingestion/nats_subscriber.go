package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Snapshot subjects and stream. Fetchers publish one message per slab per
// fetched slot to SnapshotSubjectPrefix + <slab base58>.
const (
	SnapshotSubjectPrefix = "percolator.slab.snapshot."
	SnapshotStream        = "PERCOLATOR_SLABS"
	SnapshotConsumer      = "percolator-core"
)

// NATSSubscriber subscribes to slab snapshot subjects on JetStream and
// feeds raw messages to the processor loop via snapshotChan.
type NATSSubscriber struct {
	js           jetstream.JetStream
	snapshotChan chan<- RawSnapshot
	consumers    []jetstream.ConsumeContext
}

// RawSnapshot is a received-but-unparsed snapshot message. The processor
// loop parses it, then acknowledges according to the outcome.
type RawSnapshot struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func() // processed or safely dropped
	NakFunc    func() // transient failure, redeliver
	TermFunc   func() // malformed, never redeliver
}

func (r RawSnapshot) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawSnapshot) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawSnapshot) Term() {
	if r.TermFunc != nil {
		r.TermFunc()
	}
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects consumes every slab from one durable consumer, keeping a
// single ordered feed into the processor.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SnapshotSubjectPrefix + ">", ConsumerName: SnapshotConsumer, StreamName: SnapshotStream},
	}
}

// SlabSubjects restricts consumption to an allowlist of slabs.
func SlabSubjects(slabs []string) []SubjectConfig {
	if len(slabs) == 0 {
		return DefaultSubjects()
	}
	subjects := make([]SubjectConfig, 0, len(slabs))
	for _, s := range slabs {
		subjects = append(subjects, SubjectConfig{
			Subject:      SnapshotSubjectPrefix + s,
			ConsumerName: SnapshotConsumer + "-" + s,
			StreamName:   SnapshotStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, snapshotChan chan<- RawSnapshot) *NATSSubscriber {
	return &NATSSubscriber{
		js:           js,
		snapshotChan: snapshotChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawSnapshot{
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { msg.Ack() },
				NakFunc:    func() { msg.Nak() },
				TermFunc:   func() { msg.Term() },
			}

			select {
			case ns.snapshotChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the snapshot stream if it does not exist. Only a
// short history per slab is retained; the archive lives in Postgres.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:              SnapshotStream,
		Subjects:          []string{SnapshotSubjectPrefix + ">"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            24 * time.Hour,
		MaxMsgsPerSubject: 10_000,
		Replicas:          1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	log.Printf("INFO: ensured stream %s", cfg.Name)
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream
// context. The initial dial is retried with exponential backoff until ctx
// is done; after that the client reconnects on its own.
func ConnectNATS(ctx context.Context, url string) (*nats.Conn, jetstream.JetStream, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	var nc *nats.Conn
	for {
		var err error
		nc, err = nats.Connect(url,
			nats.Name("percolator"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Printf("WARN: NATS disconnected: %v", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				log.Println("INFO: NATS reconnected")
			}),
		)
		if err == nil {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		log.Printf("WARN: nats connect failed, retrying in %v: %v", wait, err)
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("nats connect: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
