package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/chainindexer/internal/broker"
	"github.com/cuemby/chainindexer/internal/consumer"
	"github.com/cuemby/chainindexer/internal/metrics"
	"github.com/cuemby/chainindexer/internal/reconcile"
	"github.com/cuemby/chainindexer/internal/store"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Consumer pool: apply published events to the store",
}

var consumerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Spawn and supervise the worker pool",
	Long:  `Spawn and supervise the worker pool. Exits 0 on SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootContext()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		workers, _ := cmd.Flags().GetInt("workers")
		if workers <= 0 {
			workers = cfg.Consumer.Workers
		}

		st, err := store.Open(ctx, cfg.DB.URL)
		if err != nil {
			metrics.RegisterComponent("store", false, err.Error())
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		metrics.RegisterComponent("store", true, "connected")

		br, err := broker.Connect(ctx, cfg.Broker.URL)
		if err != nil {
			metrics.RegisterComponent("broker", false, err.Error())
			return fmt.Errorf("connect broker: %w", err)
		}
		defer br.Close()
		metrics.RegisterComponent("broker", true, "connected")

		if err := br.EnsureTopology(ctx, cfg.Broker.Prefetch, cfg.Consumer.MaxRetries); err != nil {
			return fmt.Errorf("ensure broker topology: %w", err)
		}

		serveMetrics(cfg.Metrics.Addr)

		recon := reconcile.New(st, cfg.Chain.ChainID)
		pool := consumer.New(br, st, recon, consumer.Config{
			Workers:    workers,
			Prefetch:   cfg.Broker.Prefetch,
			MaxRetries: cfg.Consumer.MaxRetries,
		})

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := pool.Run(sigCtx); err != nil && sigCtx.Err() == nil {
			return err
		}
		fmt.Println("consumer pool shut down")
		return nil
	},
}

var consumerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootContext()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		br, err := broker.Connect(ctx, cfg.Broker.URL)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer br.Close()

		depths, err := br.QueueDepths(ctx)
		if err != nil {
			return fmt.Errorf("queue depths: %w", err)
		}

		fmt.Printf("%-22s %s\n", "QUEUE", "PENDING")
		for _, q := range []string{
			broker.QueueCampaignCreated,
			broker.QueueDonationReceived,
			broker.QueueWithdrawalRefund,
			broker.QueueControl,
		} {
			fmt.Printf("%-22s %d\n", q, depths[q])
		}
		return nil
	},
}

func init() {
	consumerCmd.AddCommand(consumerRunCmd)
	consumerCmd.AddCommand(consumerStatusCmd)

	consumerRunCmd.Flags().Int("workers", 0, "Number of worker goroutines (default: consumer.workers from config)")
}
