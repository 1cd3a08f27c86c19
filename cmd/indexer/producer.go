package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/cuemby/chainindexer/internal/broker"
	"github.com/cuemby/chainindexer/internal/chain"
	"github.com/cuemby/chainindexer/internal/config"
	"github.com/cuemby/chainindexer/internal/metrics"
	"github.com/cuemby/chainindexer/internal/outbox"
	"github.com/cuemby/chainindexer/internal/producer"
	"github.com/cuemby/chainindexer/internal/store"
)

var producerCmd = &cobra.Command{
	Use:   "producer",
	Short: "Producer loop: poll the chain and publish events",
}

var producerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the producer loop",
	Long: `Start the producer loop. Exits 0 on SIGTERM, 1 on fatal config
or DB-schema error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootContext()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		chainClient, st, ob, br, err := dialProducerDeps(ctx, cfg)
		if err != nil {
			return err
		}
		defer chainClient.Close()
		defer st.Close()
		defer ob.Close()
		defer br.Close()

		if err := br.EnsureTopology(ctx, cfg.Broker.Prefetch, cfg.Consumer.MaxRetries); err != nil {
			return fmt.Errorf("ensure broker topology: %w", err)
		}

		known, err := st.ListCampaignAddresses(ctx, cfg.Chain.ChainID)
		if err != nil {
			return fmt.Errorf("list known campaigns: %w", err)
		}

		serveMetrics(cfg.Metrics.Addr)

		p := producer.New(producerConfig(cfg), chainClient, broker.NewPublisher(br), st, ob, known)

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := p.Run(sigCtx); err != nil && sigCtx.Err() == nil {
			return err
		}
		fmt.Println("producer shut down")
		return nil
	},
}

var producerBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Process a bounded historical block range then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootContext()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		if to < from {
			return fmt.Errorf("--to must be >= --from")
		}

		chainClient, st, ob, br, err := dialProducerDeps(ctx, cfg)
		if err != nil {
			return err
		}
		defer chainClient.Close()
		defer st.Close()
		defer ob.Close()
		defer br.Close()

		known, err := st.ListCampaignAddresses(ctx, cfg.Chain.ChainID)
		if err != nil {
			return fmt.Errorf("list known campaigns: %w", err)
		}

		p := producer.New(producerConfig(cfg), chainClient, broker.NewPublisher(br), st, ob, known)
		if err := p.Backfill(ctx, from, to); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		fmt.Printf("backfilled blocks %d..%d\n", from, to)
		return nil
	},
}

var producerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print cursor position and lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootContext()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, cfg.Chain.Confirmations)
		if err != nil {
			return fmt.Errorf("dial chain: %w", err)
		}
		defer chainClient.Close()

		st, err := store.Open(ctx, cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		cursor, err := st.GetCursor(ctx, cfg.Chain.ChainID)
		if err != nil {
			return fmt.Errorf("get cursor: %w", err)
		}
		head, err := chainClient.LatestFinalizedBlock(ctx)
		if err != nil {
			return fmt.Errorf("get chain head: %w", err)
		}

		var lag uint64
		if head > cursor.LastBlock {
			lag = head - cursor.LastBlock
		}

		fmt.Printf("chain_id:       %d\n", cfg.Chain.ChainID)
		fmt.Printf("cursor_height:  %d\n", cursor.LastBlock)
		fmt.Printf("cursor_hash:    %x\n", cursor.LastBlockHash)
		fmt.Printf("chain_head:     %d\n", head)
		fmt.Printf("blocks_behind:  %d\n", lag)
		fmt.Printf("updated_at:     %s\n", cursor.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	},
}

func init() {
	producerCmd.AddCommand(producerRunCmd)
	producerCmd.AddCommand(producerBackfillCmd)
	producerCmd.AddCommand(producerStatusCmd)

	producerBackfillCmd.Flags().Uint64("from", 0, "First block to backfill (inclusive)")
	producerBackfillCmd.Flags().Uint64("to", 0, "Last block to backfill (inclusive)")
	producerBackfillCmd.MarkFlagRequired("from")
	producerBackfillCmd.MarkFlagRequired("to")
}

func producerConfig(cfg *config.Config) producer.Config {
	return producer.Config{
		ChainID:           cfg.Chain.ChainID,
		FactoryAddress:    common.HexToAddress(cfg.Chain.FactoryAddress),
		Confirmations:     cfg.Chain.Confirmations,
		BatchBlocks:       cfg.Poll.BatchBlocks,
		PollInterval:      cfg.Poll.IntervalSeconds,
		RollbackDepth:     cfg.Reorg.RollbackDepth,
		ReconcileInterval: cfg.Reconcile.IntervalSeconds,
	}
}

func dialProducerDeps(ctx context.Context, cfg *config.Config) (*chain.Client, store.Store, *outbox.Outbox, *broker.Broker, error) {
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, cfg.Chain.Confirmations)
	if err != nil {
		metrics.RegisterComponent("chain", false, err.Error())
		return nil, nil, nil, nil, fmt.Errorf("dial chain: %w", err)
	}
	metrics.RegisterComponent("chain", true, "connected")

	st, err := store.Open(ctx, cfg.DB.URL)
	if err != nil {
		chainClient.Close()
		metrics.RegisterComponent("store", false, err.Error())
		return nil, nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	metrics.RegisterComponent("store", true, "connected")

	ob, err := outbox.Open(cfg.Outbox.DataDir)
	if err != nil {
		chainClient.Close()
		st.Close()
		return nil, nil, nil, nil, fmt.Errorf("open outbox: %w", err)
	}

	br, err := broker.Connect(ctx, cfg.Broker.URL)
	if err != nil {
		chainClient.Close()
		st.Close()
		ob.Close()
		metrics.RegisterComponent("broker", false, err.Error())
		return nil, nil, nil, nil, fmt.Errorf("connect broker: %w", err)
	}
	metrics.RegisterComponent("broker", true, "connected")
	return chainClient, st, ob, br, nil
}
