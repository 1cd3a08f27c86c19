// Package broker realizes spec.md §4.6's AMQP-flavored topology (one
// durable topic exchange, per-queue bindings, a dead-letter exchange) on
// top of NATS JetStream, the only messaging library any example repo in
// the corpus imports directly. The mapping: the topic exchange becomes
// one JetStream stream bound to subject "event.>" and "control.>"; each
// queue becomes a durable JetStream consumer with a filter subject;
// the DLX becomes a second stream plus application-level delivery-count
// tracking, since JetStream has no native dead-letter exchange.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cuemby/chainindexer/internal/errs"
)

// Routing keys, carried as NATS subjects under the "event." / "control."
// prefixes (spec.md §4.6's "routing key is derived from the event's
// canonical name").
const (
	RoutingCampaignCreated  = "event.campaign_created"
	RoutingDonationReceived = "event.donation_received"
	RoutingWithdrawn        = "event.withdrawn"
	RoutingRefunded         = "event.refunded"
	RoutingRollback         = "control.rollback"
	RoutingReconciliation   = "control.reconciliation"
)

const (
	eventsStreamName = "campaign_events"
	dlqStreamName    = "dlq_events"
	dlqSubjectPrefix = "dlq.events"
)

// Queue names and the subjects they bind, mirroring spec.md §4.6's
// table.
const (
	QueueCampaignCreated  = "q_campaign_created"
	QueueDonationReceived = "q_donation_received"
	QueueWithdrawalRefund = "q_withdrawal_refund"
	QueueControl          = "q_control"
)

// queueDefs is the single source of truth for each durable consumer's
// filter subjects and prefetch, shared by EnsureTopology and PurgeQueue.
var queueDefs = []struct {
	name    string
	filters []string
	maxAcks int
}{
	{QueueCampaignCreated, []string{RoutingCampaignCreated}, 0},
	{QueueDonationReceived, []string{RoutingDonationReceived}, 0},
	{QueueWithdrawalRefund, []string{RoutingWithdrawn, RoutingRefunded}, 0},
	{QueueControl, []string{RoutingRollback, RoutingReconciliation}, 1}, // MaxAckPending:1 serializes control-plane handling
}

// Broker owns the JetStream connection and topology.
type Broker struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the NATS server and binds the JetStream context.
func Connect(ctx context.Context, url string) (*Broker, error) {
	nc, err := nats.Connect(url, nats.Name("chainindexer"))
	if err != nil {
		return nil, errs.NewFatal("broker.Connect", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errs.NewFatal("broker.Connect", err)
	}
	return &Broker{nc: nc, js: js}, nil
}

// Close drains and closes the connection.
func (b *Broker) Close() {
	_ = b.nc.Drain()
}

// EnsureTopology declares the events stream, the DLQ stream, and every
// durable consumer named in spec.md §4.6. Idempotent: safe to call on
// every process start.
func (b *Broker) EnsureTopology(ctx context.Context, prefetch, maxRetries int) error {
	if _, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      eventsStreamName,
		Subjects:  []string{"event.>", "control.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return errs.NewFatal("broker.EnsureTopology", fmt.Errorf("events stream: %w", err))
	}

	if _, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      dlqStreamName,
		Subjects:  []string{dlqSubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return errs.NewFatal("broker.EnsureTopology", fmt.Errorf("dlq stream: %w", err))
	}

	for _, c := range queueDefs {
		maxAcks := prefetch
		if c.maxAcks > 0 {
			maxAcks = c.maxAcks // control queue pins to 1 regardless of configured prefetch
		}
		_, err := b.js.CreateOrUpdateConsumer(ctx, eventsStreamName, jetstream.ConsumerConfig{
			Durable:        c.name,
			FilterSubjects: c.filters,
			AckPolicy:      jetstream.AckExplicitPolicy,
			MaxAckPending:  maxAcks,
			MaxDeliver:     maxRetries + 1, // +1 because MaxDeliver counts the first attempt
		})
		if err != nil {
			return errs.NewFatal("broker.EnsureTopology", fmt.Errorf("consumer %s: %w", c.name, err))
		}
	}
	return nil
}

// PurgeTopology deletes every stream EnsureTopology creates. No CLI
// command calls it; `broker purge` empties a single queue via PurgeQueue.
func (b *Broker) PurgeTopology(ctx context.Context) error {
	if err := b.js.DeleteStream(ctx, eventsStreamName); err != nil && err != jetstream.ErrStreamNotFound {
		return err
	}
	if err := b.js.DeleteStream(ctx, dlqStreamName); err != nil && err != jetstream.ErrStreamNotFound {
		return err
	}
	return nil
}

// StreamInfo reports the events stream's current state, for the
// `broker status` CLI command.
func (b *Broker) StreamInfo(ctx context.Context) (*jetstream.StreamInfo, error) {
	s, err := b.js.Stream(ctx, eventsStreamName)
	if err != nil {
		return nil, err
	}
	return s.Info(ctx)
}

// QueueDepths reports each durable consumer's pending (unacked + not yet
// delivered) message count, for the `broker status` CLI command.
func (b *Broker) QueueDepths(ctx context.Context) (map[string]uint64, error) {
	depths := make(map[string]uint64, len(queueDefs))
	for _, c := range queueDefs {
		cons, err := b.js.Consumer(ctx, eventsStreamName, c.name)
		if err != nil {
			return nil, err
		}
		info, err := cons.Info(ctx)
		if err != nil {
			return nil, err
		}
		depths[c.name] = info.NumPending
	}
	return depths, nil
}

// PurgeQueue empties a single queue by purging every stream message that
// matches its filter subjects, leaving the other queues' messages (and
// the stream itself) intact. Used by the `broker purge <queue>` CLI
// command.
func (b *Broker) PurgeQueue(ctx context.Context, queueName string) error {
	var filters []string
	for _, c := range queueDefs {
		if c.name == queueName {
			filters = c.filters
			break
		}
	}
	if filters == nil {
		return fmt.Errorf("unknown queue %q", queueName)
	}

	s, err := b.js.Stream(ctx, eventsStreamName)
	if err != nil {
		return err
	}
	for _, subject := range filters {
		if err := s.Purge(ctx, jetstream.WithPurgeSubject(subject)); err != nil {
			return err
		}
	}
	return nil
}

// RoutingKeyFor derives the canonical routing key for an event name.
func RoutingKeyFor(eventName string) string {
	switch eventName {
	case "CampaignCreated":
		return RoutingCampaignCreated
	case "DonationReceived":
		return RoutingDonationReceived
	case "Withdrawn":
		return RoutingWithdrawn
	case "Refunded":
		return RoutingRefunded
	default:
		return "event.unknown"
	}
}

// defaultConfirmTimeout bounds how long the publisher waits for
// JetStream to ack a batch before treating the unconfirmed tail as
// failed (spec.md §4.7).
const defaultConfirmTimeout = 10 * time.Second
