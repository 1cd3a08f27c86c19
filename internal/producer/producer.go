// Package producer implements the single-threaded poll loop of spec.md
// §4.5: reorg probe, target computation, factory/campaign log scans,
// publish, confirm barrier, cursor commit, throttled reconciliation tick.
// Grounded on the polymarket-indexer syncer's realtime poll loop
// (checkpoint-then-fetch-then-advance shape) and the teacher's
// pkg/reconciler ticker, generalized from its mode-switching
// backfill/realtime split (this indexer always runs in bounded-batch
// mode; see Backfill for the explicit bounded-replay command instead).
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/cuemby/chainindexer/internal/backoff"
	"github.com/cuemby/chainindexer/internal/broker"
	"github.com/cuemby/chainindexer/internal/chain"
	"github.com/cuemby/chainindexer/internal/codec"
	"github.com/cuemby/chainindexer/internal/errs"
	"github.com/cuemby/chainindexer/internal/log"
	"github.com/cuemby/chainindexer/internal/metrics"
	"github.com/cuemby/chainindexer/internal/outbox"
	"github.com/cuemby/chainindexer/internal/reorg"
	"github.com/cuemby/chainindexer/internal/store"
	"github.com/cuemby/chainindexer/internal/types"
)

// Config holds the producer's tunables, lifted directly from config.Config
// rather than depending on the config package itself (keeps this package
// testable with literal values).
type Config struct {
	ChainID           int64
	FactoryAddress    common.Address
	Confirmations     uint64
	BatchBlocks       uint64
	PollInterval      time.Duration
	RollbackDepth     uint64
	ReconcileInterval time.Duration
}

// Producer drives the poll loop against a chain client, a publisher, the
// sync cursor store, and the local outbox.
type Producer struct {
	cfg       Config
	chain     *chain.Client
	pub       *broker.Publisher
	st        store.Store
	ob        *outbox.Outbox
	detector  *reorg.Detector
	known     map[common.Address]struct{} // campaign addresses discovered so far this process
	lastRecon time.Time
}

// New constructs a Producer. known seeds the campaign-address set from
// the store (every campaign this process has not yet seen created in its
// own lifetime), so a restart does not have to rediscover every
// CampaignCreated log before it can scan for donations.
func New(cfg Config, chainClient *chain.Client, pub *broker.Publisher, st store.Store, ob *outbox.Outbox, known []string) *Producer {
	knownSet := make(map[common.Address]struct{}, len(known))
	for _, addr := range known {
		knownSet[common.HexToAddress(addr)] = struct{}{}
	}
	return &Producer{
		cfg:      cfg,
		chain:    chainClient,
		pub:      pub,
		st:       st,
		ob:       ob,
		detector: reorg.New(chainClient, cfg.RollbackDepth),
		known:    knownSet,
	}
}

// Run executes the poll loop until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	if err := p.republishPending(ctx); err != nil {
		return err
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.tick(ctx); err != nil {
			if _, transient := err.(*errs.Transient); transient {
				time.Sleep(backoff.DefaultPolicy.Duration(attempt))
				attempt++
				continue
			}
			return err
		}
		attempt = 0

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// tick runs exactly one iteration of the seven-step sequence in spec.md
// §4.5.
func (p *Producer) tick(ctx context.Context) error {
	cursor, err := p.st.GetCursor(ctx, p.cfg.ChainID)
	if err != nil {
		return errs.NewTransient("producer.tick", err)
	}

	// Step 1: reorg probe.
	rb, err := p.detector.Detect(ctx, cursor)
	if err != nil {
		return errs.NewTransient("producer.tick", err)
	}
	if rb != nil {
		if err := p.handleRollback(ctx, rb); err != nil {
			return err
		}
		cursor = types.SyncCursor{ChainID: p.cfg.ChainID, LastBlock: rb.To, LastBlockHash: rb.NewHash}
	}

	// Step 2: target computation.
	head, err := p.chain.LatestFinalizedBlock(ctx)
	if err != nil {
		return err
	}
	metrics.ChainHeadHeight.WithLabelValues(fmt.Sprint(p.cfg.ChainID)).Set(float64(head))

	target := computeTarget(cursor.LastBlock, head, p.cfg.BatchBlocks)
	if target <= cursor.LastBlock {
		metrics.BlocksBehind.WithLabelValues(fmt.Sprint(p.cfg.ChainID)).Set(0)
		p.maybeReconcile(ctx)
		return nil
	}

	timer := metrics.NewTimer()
	published, err := p.scanAndPublish(ctx, cursor.LastBlock+1, target)
	timer.ObserveDuration(metrics.ProducerBatchDuration)
	if err != nil {
		return err
	}

	// Step 5: publisher confirm barrier.
	if err := p.pub.AwaitConfirm(ctx); err != nil {
		// Republish the unconfirmed tail on the next tick; duplicates are
		// safe because the sink dedups on (chain, tx-hash, log-index).
		return errs.NewTransient("producer.tick", err)
	}
	for _, pm := range published {
		_ = p.ob.ClearPending(pm)
	}

	// Step 6: cursor commit.
	newHash, err := p.chain.BlockHashAt(ctx, target)
	if err != nil {
		return errs.NewTransient("producer.tick", err)
	}
	if err := p.st.CommitCursor(ctx, p.cfg.ChainID, target, newHash); err != nil {
		return errs.NewTransient("producer.tick", err)
	}
	metrics.CursorHeight.WithLabelValues(fmt.Sprint(p.cfg.ChainID)).Set(float64(target))
	metrics.BlocksBehind.WithLabelValues(fmt.Sprint(p.cfg.ChainID)).Set(float64(head - target))
	log.WithChain(p.cfg.ChainID).Debug().
		Uint64("cursor", target).Uint64("head", head).Int("published", len(published)).
		Msg("tick advanced cursor")

	// Step 7: throttled reconciliation tick.
	p.maybeReconcile(ctx)
	return nil
}

// Backfill replays a bounded historical block range in BatchBlocks-sized
// chunks, publishing and confirming each chunk, without touching the
// live sync cursor — a one-shot operation distinct from Run's continuous
// loop, for the `producer backfill --from --to` CLI command.
// Backfill processes the bounded range [from, to], keeping its own
// checkpoint in the outbox (distinct from the live SyncCursor) so a
// re-run of the same --from/--to resumes after the last fully-processed
// chunk instead of redoing it.
func (p *Producer) Backfill(ctx context.Context, from, to uint64) error {
	name := fmt.Sprintf("%d:%d:%d", p.cfg.ChainID, from, to)
	cp, err := p.ob.GetBackfillCheckpoint(name)
	if err != nil {
		return errs.NewTransient("producer.Backfill", err)
	}
	start := from
	if cp.ChainID != 0 && cp.LastBlock >= from {
		start = cp.LastBlock + 1
	}

	for ; start <= to; start += p.cfg.BatchBlocks {
		end := start + p.cfg.BatchBlocks - 1
		if end > to {
			end = to
		}

		published, err := p.scanAndPublish(ctx, start, end)
		if err != nil {
			return err
		}
		if err := p.pub.AwaitConfirm(ctx); err != nil {
			return errs.NewTransient("producer.Backfill", err)
		}
		for _, pm := range published {
			_ = p.ob.ClearPending(pm)
		}
		if err := p.ob.PutBackfillCheckpoint(outbox.BackfillCheckpoint{
			Name:      name,
			ChainID:   p.cfg.ChainID,
			LastBlock: end,
		}); err != nil {
			return errs.NewTransient("producer.Backfill", err)
		}
		log.WithComponent("producer").Info().Uint64("from", start).Uint64("to", end).Msg("backfilled block range")
	}
	return nil
}

// computeTarget implements spec.md §4.5 step 2:
// target = min(latest_finalized_block, cursor.height + batch_size).
func computeTarget(cursorHeight, head, batchBlocks uint64) uint64 {
	capped := cursorHeight + batchBlocks
	if capped < head {
		return capped
	}
	return head
}

// scanAndPublish performs steps 3 and 4: factory scan then campaign scan,
// publishing every decoded event. Returns the outbox entries of the
// messages enqueued, for outbox bookkeeping.
func (p *Producer) scanAndPublish(ctx context.Context, from, to uint64) ([]outbox.PendingMessage, error) {
	var published []outbox.PendingMessage

	factoryLogs, err := p.chain.GetLogs(ctx, from, to, []common.Address{p.cfg.FactoryAddress}, codec.FactoryTopic0())
	if err != nil {
		return nil, err
	}
	batch, newCampaigns, err := p.publishDecoded(ctx, factoryLogs)
	if err != nil {
		return nil, err
	}
	published = append(published, batch...)
	for _, addr := range newCampaigns {
		p.known[addr] = struct{}{}
	}

	if len(p.known) > 0 {
		addrs := make([]common.Address, 0, len(p.known))
		for addr := range p.known {
			addrs = append(addrs, addr)
		}
		campaignLogs, err := p.chain.GetLogs(ctx, from, to, addrs, codec.CampaignTopic0Set()...)
		if err != nil {
			return nil, err
		}
		batch, _, err := p.publishDecoded(ctx, campaignLogs)
		if err != nil {
			return nil, err
		}
		published = append(published, batch...)
	}

	return published, nil
}

func (p *Producer) publishDecoded(ctx context.Context, logs []ethtypes.Log) ([]outbox.PendingMessage, []common.Address, error) {
	var pendingBatch []outbox.PendingMessage
	var newCampaigns []common.Address

	for _, l := range logs {
		ev, err := codec.Decode(p.cfg.ChainID, l)
		if err != nil {
			// A malformed log is fatal only for itself: logged and
			// skipped, never published (spec.md §4.2).
			log.WithComponent("producer").Error().Err(err).
				Str("tx_hash", l.TxHash.Hex()).Uint("log_index", l.Index).
				Msg("skipping undecodable log")
			continue
		}

		if ev.EventName == types.EventCampaignCreated {
			// CampaignCreated carries no timestamp of its own (unlike the
			// other three events); resolve the block's so CreatedAt reflects
			// actual chain history instead of the moment this got indexed,
			// which matters for backfilled ranges replayed long after the fact.
			if ts, err := p.chain.BlockTimestamp(ctx, l.BlockNumber); err != nil {
				log.WithComponent("producer").Warn().Err(err).
					Uint64("block_number", l.BlockNumber).
					Msg("failed to resolve block timestamp for CampaignCreated, falling back to insert time")
			} else {
				ev.Payload.Timestamp = ts
			}
		}

		// The event's own identity (chain, tx-hash, log-index) doubles as
		// the JetStream dedup key, so a republish after a crash or a
		// confirm timeout lands on the same message.
		messageID := fmt.Sprintf("%d:%s:%d", ev.ChainID, ev.TxHash, ev.LogIndex)
		pending := outbox.PendingMessage{
			ChainID:    p.cfg.ChainID,
			TxHash:     ev.TxHash,
			LogIndex:   ev.LogIndex,
			RoutingKey: broker.RoutingKeyFor(string(ev.EventName)),
			Event:      ev,
		}
		if err := p.ob.PutPending(pending); err != nil {
			return nil, nil, errs.NewTransient("producer.publishDecoded", err)
		}

		if _, err := p.pub.PublishEvent(ctx, messageID, ev); err != nil {
			return nil, nil, err
		}
		pendingBatch = append(pendingBatch, pending)
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.EventName)).Inc()

		if ev.EventName == types.EventCampaignCreated {
			newCampaigns = append(newCampaigns, common.HexToAddress(ev.Payload.Campaign))
		}
	}
	return pendingBatch, newCampaigns, nil
}

// handleRollback publishes the control-plane rollback notice and blocks
// for the broker's confirm before the caller rewinds its local view of
// the cursor; spec.md §4.4 forbids publishing new event messages between
// detection and consumer-ack.
func (p *Producer) handleRollback(ctx context.Context, rb *reorg.Rollback) error {
	messageID := uuid.NewString()
	if _, err := p.pub.PublishRollback(ctx, messageID, broker.RollbackPayload{
		ChainID: rb.ChainID,
		From:    rb.From,
		To:      rb.To,
		Reason:  rb.Reason,
	}); err != nil {
		return err
	}
	if err := p.pub.AwaitConfirm(ctx); err != nil {
		return errs.NewTransient("producer.handleRollback", err)
	}
	metrics.ReorgsTotal.WithLabelValues(fmt.Sprint(rb.ChainID)).Inc()
	if err := p.st.CommitCursor(ctx, rb.ChainID, rb.To, rb.NewHash); err != nil {
		return errs.NewTransient("producer.handleRollback", err)
	}
	return nil
}

func (p *Producer) maybeReconcile(ctx context.Context) {
	if p.cfg.ReconcileInterval <= 0 {
		return
	}
	if time.Since(p.lastRecon) < p.cfg.ReconcileInterval {
		return
	}
	messageID := uuid.NewString()
	if _, err := p.pub.PublishReconciliation(ctx, messageID, broker.ReconciliationPayload{ChainID: p.cfg.ChainID}); err != nil {
		log.WithComponent("producer").Warn().Err(err).Msg("failed to publish reconciliation trigger")
		return
	}
	p.lastRecon = time.Now()
}

// republishPending replays any outbox entries left over from a crash
// between publish and confirm; duplicates are safe (spec.md §4.5).
func (p *Producer) republishPending(ctx context.Context) error {
	pending, err := p.ob.ListPending()
	if err != nil {
		return err
	}
	for _, m := range pending {
		messageID := fmt.Sprintf("%d:%s:%d", m.Event.ChainID, m.Event.TxHash, m.Event.LogIndex)
		if _, err := p.pub.PublishEvent(ctx, messageID, m.Event); err != nil {
			return err
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := p.pub.AwaitConfirm(ctx); err != nil {
		return err
	}
	for _, m := range pending {
		_ = p.ob.ClearPending(m)
	}
	return nil
}
