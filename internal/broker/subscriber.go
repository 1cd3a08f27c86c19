package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cuemby/chainindexer/internal/errs"
)

// Delivery wraps one pulled message with the bookkeeping the consumer
// dispatcher needs to decide retry vs. DLQ (spec.md §4.9's "after
// max_retries deliveries, route to the dead-letter queue instead of
// acking or nacking again").
type Delivery struct {
	msg        jetstream.Msg
	Envelope   Envelope
	NumDeliver uint64
}

// Ack acknowledges successful handling.
func (d *Delivery) Ack() error { return d.msg.Ack() }

// Nak requests redelivery after backoff, used for Transient failures.
func (d *Delivery) Nak(backoff time.Duration) error {
	return d.msg.NakWithDelay(backoff)
}

// Term stops redelivery permanently without acking, used once a message
// has been rerouted to the DLQ or is judged unrecoverable.
func (d *Delivery) Term() error { return d.msg.Term() }

// Subscriber pulls from one durable consumer.
type Subscriber struct {
	cons jetstream.Consumer
}

// NewSubscriber binds to the named durable consumer on the events
// stream. queueName must be one of the Queue* constants.
func NewSubscriber(ctx context.Context, b *Broker, queueName string) (*Subscriber, error) {
	cons, err := b.js.Consumer(ctx, eventsStreamName, queueName)
	if err != nil {
		return nil, errs.NewFatal("broker.NewSubscriber", err)
	}
	return &Subscriber{cons: cons}, nil
}

// Fetch pulls up to batchSize messages, waiting up to maxWait for at
// least one. An empty, non-error result means the wait timed out with
// nothing pending, not a failure (spec.md §4.8's "prefetch governs how
// many unacked deliveries a worker pool holds at once").
func (s *Subscriber) Fetch(ctx context.Context, batchSize int, maxWait time.Duration) ([]*Delivery, error) {
	msgs, err := s.cons.Fetch(batchSize, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, errs.NewTransient("broker.Fetch", err)
	}

	var out []*Delivery
	for msg := range msgs.Messages() {
		var env Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			_ = msg.Term() // malformed envelope can never succeed on retry
			continue
		}
		meta, err := msg.Metadata()
		numDeliver := uint64(1)
		if err == nil {
			numDeliver = meta.NumDelivered
		}
		out = append(out, &Delivery{msg: msg, Envelope: env, NumDeliver: numDeliver})
	}
	if err := msgs.Error(); err != nil {
		return out, errs.NewTransient("broker.Fetch", err)
	}
	return out, nil
}

// DeadLetter republishes a delivery's envelope to the DLQ stream and
// terminates the original so it is never redelivered. Called once
// NumDeliver exceeds the configured max_retries (spec.md §4.9).
func (s *Subscriber) DeadLetter(ctx context.Context, b *Broker, d *Delivery, reason string) error {
	data, err := json.Marshal(struct {
		Envelope
		FailureReason string `json:"failure_reason"`
	}{Envelope: d.Envelope, FailureReason: reason})
	if err != nil {
		return errs.NewDecode("broker.DeadLetter", err)
	}
	subject := dlqSubjectPrefix + "." + d.Envelope.RoutingKey
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return errs.NewTransient("broker.DeadLetter", err)
	}
	return d.Term()
}
