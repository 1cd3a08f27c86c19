// Package consumer runs N independent workers pulling from the event and
// control queues with bounded prefetch, dispatching each delivery to the
// right handler inside one DB transaction, and deciding retry vs. DLQ on
// failure (spec.md §4.8/§4.9). Grounded on the teacher's health monitor
// ticker/stop-channel loop shape, generalized from a single fixed-interval
// sync to a blocking pull-fetch loop per worker.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/chainindexer/internal/broker"
	"github.com/cuemby/chainindexer/internal/errs"
	"github.com/cuemby/chainindexer/internal/log"
	"github.com/cuemby/chainindexer/internal/metrics"
	"github.com/cuemby/chainindexer/internal/rollback"
	"github.com/cuemby/chainindexer/internal/stateupdater"
	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

// Pool runs a fixed number of workers against every queue named in
// spec.md §4.6. Workers are independent: no shared mutable state beyond
// the store and broker connections they're handed (spec.md §5).
type Pool struct {
	br         *broker.Broker
	st         store.Store
	reconciler Reconciler
	workers    int
	prefetch   int
	maxRetries int
	fetchWait  time.Duration
}

// Reconciler is the subset of internal/reconcile's public surface the
// control queue handler needs.
type Reconciler interface {
	Run(ctx context.Context) error
}

// Config tunes the pool; mirrors config.Consumer plus the broker's
// prefetch.
type Config struct {
	Workers    int
	Prefetch   int
	MaxRetries int
	FetchWait  time.Duration
}

// New constructs a worker pool. reconciler handles ReconciliationMessages;
// rollback handling is built in since it needs no injected dependency
// beyond the store.
func New(br *broker.Broker, st store.Store, reconciler Reconciler, cfg Config) *Pool {
	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = 5 * time.Second
	}
	return &Pool{
		br:         br,
		st:         st,
		reconciler: reconciler,
		workers:    cfg.Workers,
		prefetch:   cfg.Prefetch,
		maxRetries: cfg.MaxRetries,
		fetchWait:  fetchWait,
	}
}

// queues this pool's workers compete across, per spec.md §4.8 ("each
// consuming from all event queues and the control queue").
var queues = []string{
	broker.QueueCampaignCreated,
	broker.QueueDonationReceived,
	broker.QueueWithdrawalRefund,
	broker.QueueControl,
}

// Run starts all workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, p.workers)

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := p.runWorker(ctx, id); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// runWorker binds one subscriber per queue and round-robins pulling from
// them; within a worker, deliveries are handled one at a time (spec.md
// §4.8's "no intra-worker parallelism per queue").
func (p *Pool) runWorker(ctx context.Context, id int) error {
	logger := log.WithComponent("consumer").With().Int("worker", id).Logger()
	subs := make([]*broker.Subscriber, len(queues))
	for i, q := range queues {
		sub, err := broker.NewSubscriber(ctx, p.br, q)
		if err != nil {
			return err
		}
		subs[i] = sub
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		idle := true
		for i, sub := range subs {
			deliveries, err := sub.Fetch(ctx, p.prefetch, p.fetchWait)
			if err != nil {
				logger.Error().Err(err).Str("queue", queues[i]).Msg("fetch failed")
				metrics.UpdateComponent("broker", false, err.Error())
				continue
			}
			metrics.UpdateComponent("broker", true, "")
			if len(deliveries) == 0 {
				continue
			}
			idle = false
			for _, d := range deliveries {
				p.handle(ctx, sub, d, logger)
			}
		}
		if idle {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// handle dispatches one delivery, deciding ack / nak-with-backoff / DLQ
// from the error taxonomy in internal/errs (spec.md §4.9).
func (p *Pool) handle(ctx context.Context, sub *broker.Subscriber, d *broker.Delivery, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	err := p.dispatch(ctx, d)
	timer.ObserveDurationVec(metrics.ConsumerHandleDuration, d.Envelope.RoutingKey)
	if err == nil {
		_ = d.Ack()
		return
	}

	switch err.(type) {
	case *errs.Transient:
		if int(d.NumDeliver) > p.maxRetries {
			p.sendToDLQ(ctx, sub, d, err, logger)
			return
		}
		backoff := time.Duration(d.NumDeliver) * time.Second
		if nakErr := d.Nak(backoff); nakErr != nil {
			logger.Error().Err(nakErr).Msg("nak failed")
		}
	default:
		// Poison, Decode, Invariant, or anything unclassified: no point
		// retrying, route straight to the DLQ.
		p.sendToDLQ(ctx, sub, d, err, logger)
	}
}

func (p *Pool) sendToDLQ(ctx context.Context, sub *broker.Subscriber, d *broker.Delivery, cause error, logger zerolog.Logger) {
	if err := sub.DeadLetter(ctx, p.br, d, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("dead-letter publish failed")
		return
	}
	metrics.DLQTotal.WithLabelValues(d.Envelope.RoutingKey).Inc()
}

// dispatch routes one envelope to the right handler by routing key.
func (p *Pool) dispatch(ctx context.Context, d *broker.Delivery) error {
	switch d.Envelope.RoutingKey {
	case broker.RoutingCampaignCreated, broker.RoutingDonationReceived, broker.RoutingWithdrawn, broker.RoutingRefunded:
		return p.handleEvent(ctx, d)
	case broker.RoutingRollback:
		return p.handleRollback(ctx, d)
	case broker.RoutingReconciliation:
		return p.reconciler.Run(ctx)
	default:
		return errs.NewPoison("consumer.dispatch", fmt.Errorf("unroutable message with routing key %q", d.Envelope.RoutingKey))
	}
}

func (p *Pool) handleEvent(ctx context.Context, d *broker.Delivery) error {
	var ev types.BlockchainEvent
	if err := json.Unmarshal(d.Envelope.Payload, &ev); err != nil {
		return errs.NewDecode("consumer.handleEvent", err)
	}

	return p.st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inserted, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return errs.NewTransient("consumer.handleEvent", err)
		}
		if !inserted {
			// Already applied; dedup barrier hit, ack without reapplying.
			return nil
		}
		if err := stateupdater.Apply(ctx, tx, ev.ChainID, ev); err != nil {
			return err
		}
		metrics.EventsConsumedTotal.WithLabelValues(string(ev.EventName), "applied").Inc()
		return nil
	})
}

func (p *Pool) handleRollback(ctx context.Context, d *broker.Delivery) error {
	var payload broker.RollbackPayload
	if err := json.Unmarshal(d.Envelope.Payload, &payload); err != nil {
		return errs.NewDecode("consumer.handleRollback", err)
	}
	return rollback.Handle(ctx, p.st, rollback.Message{
		ChainID: payload.ChainID,
		From:    payload.From,
		To:      payload.To,
		Reason:  payload.Reason,
	})
}
