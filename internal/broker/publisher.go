package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cuemby/chainindexer/internal/errs"
	"github.com/cuemby/chainindexer/internal/types"
)

// Envelope is the on-wire shape of every message this indexer publishes,
// event or control-plane alike (spec.md §4.6: "every message on the
// exchange carries a routing key, a producer-assigned message ID for
// dedup, and a JSON payload"). chain_id travels inside Payload rather
// than as its own envelope field; routing_key already disambiguates
// message kind, so callers read chain_id off the unmarshaled payload.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	RoutingKey  string          `json:"routing_key"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

// RollbackPayload is the control-plane message body for a detected reorg
// (spec.md §4.10).
type RollbackPayload struct {
	ChainID int64  `json:"chain_id"`
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	Reason  string `json:"reason"`
}

// ReconciliationPayload triggers one reconciliation cycle for a chain: a
// sweep of every ACTIVE campaign past its deadline, not a single-campaign
// request (spec.md §4.11) — rollback already re-derives FAILED/SUCCESS
// inline from the surviving event log, so no narrower payload is needed.
type ReconciliationPayload struct {
	ChainID int64 `json:"chain_id"`
}

// Publisher batches event publishes and exposes an explicit confirm
// barrier, mirroring the producer loop's "publish the batch, wait for
// every ack, only then commit the cursor" sequencing (spec.md §4.5/§4.7).
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher wraps a connected Broker for publishing.
func NewPublisher(b *Broker) *Publisher {
	return &Publisher{js: b.js}
}

// PublishEvent enqueues one decoded chain event for async publish. It
// does not block for the broker's ack; call AwaitConfirm once the whole
// batch has been enqueued.
func (p *Publisher) PublishEvent(ctx context.Context, messageID string, ev types.BlockchainEvent) (jetstream.PubAckFuture, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errs.NewDecode("broker.PublishEvent", err)
	}
	return p.publish(ctx, messageID, RoutingKeyFor(string(ev.EventName)), payload)
}

// PublishRollback enqueues a control-plane rollback notice.
func (p *Publisher) PublishRollback(ctx context.Context, messageID string, rb RollbackPayload) (jetstream.PubAckFuture, error) {
	payload, err := json.Marshal(rb)
	if err != nil {
		return nil, errs.NewDecode("broker.PublishRollback", err)
	}
	return p.publish(ctx, messageID, RoutingRollback, payload)
}

// PublishReconciliation enqueues a control-plane reconciliation request.
func (p *Publisher) PublishReconciliation(ctx context.Context, messageID string, rc ReconciliationPayload) (jetstream.PubAckFuture, error) {
	payload, err := json.Marshal(rc)
	if err != nil {
		return nil, errs.NewDecode("broker.PublishReconciliation", err)
	}
	return p.publish(ctx, messageID, RoutingReconciliation, payload)
}

func (p *Publisher) publish(ctx context.Context, messageID, routingKey string, payload json.RawMessage) (jetstream.PubAckFuture, error) {
	env := Envelope{MessageID: messageID, RoutingKey: routingKey, PublishedAt: time.Now(), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.NewDecode("broker.publish", err)
	}
	future, err := p.js.PublishAsync(routingKey, data, jetstream.WithMsgID(messageID))
	if err != nil {
		return nil, errs.NewTransient("broker.publish", err)
	}
	return future, nil
}

// AwaitConfirm blocks until every publish enqueued since the last call
// has been acked by JetStream, ctx is cancelled, or defaultConfirmTimeout
// elapses. The producer loop only commits its cursor after this returns
// nil (spec.md §4.5's publish-confirm barrier).
func (p *Publisher) AwaitConfirm(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return errs.NewTransient("broker.AwaitConfirm", ctx.Err())
	case <-time.After(defaultConfirmTimeout):
		return errs.NewTransient("broker.AwaitConfirm", context.DeadlineExceeded)
	}
}
