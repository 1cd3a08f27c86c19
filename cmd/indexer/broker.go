package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/chainindexer/internal/broker"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage the broker topology",
}

var brokerSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Declare streams, consumers, and bindings idempotently",
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

		if err := br.EnsureTopology(ctx, cfg.Broker.Prefetch, cfg.Consumer.MaxRetries); err != nil {
			return fmt.Errorf("ensure topology: %w", err)
		}
		fmt.Println("broker topology ready")
		return nil
	},
}

var brokerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-queue message counts",
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

		info, err := br.StreamInfo(ctx)
		if err != nil {
			return fmt.Errorf("stream info: %w", err)
		}
		fmt.Printf("stream messages: %d\n", info.State.Msgs)
		fmt.Printf("stream bytes:    %d\n", info.State.Bytes)
		fmt.Println()

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

var brokerPurgeCmd = &cobra.Command{
	Use:   "purge QUEUE",
	Short: "Empty a queue",
	Args:  cobra.ExactArgs(1),
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

		if err := br.PurgeQueue(ctx, args[0]); err != nil {
			return fmt.Errorf("purge queue: %w", err)
		}
		fmt.Printf("queue %s purged\n", args[0])
		return nil
	},
}

func init() {
	brokerCmd.AddCommand(brokerSetupCmd)
	brokerCmd.AddCommand(brokerStatusCmd)
	brokerCmd.AddCommand(brokerPurgeCmd)
}
