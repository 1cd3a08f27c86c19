package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/chainindexer/internal/config"
	"github.com/cuemby/chainindexer/internal/log"
	"github.com/cuemby/chainindexer/internal/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Blockchain event indexer for the crowdfunding platform",
	Long: `indexer projects on-chain campaign, donation, withdrawal, and
refund events into a relational store via a durable message broker.

It runs as two roles: a single producer that polls the chain and
publishes events, and a pool of consumers that apply them to the store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"indexer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(producerCmd)
	rootCmd.AddCommand(consumerCmd)
	rootCmd.AddCommand(brokerCmd)
}

func initLogging() {
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: logJSON})
}

// loadConfig reads the --config flag shared by every subcommand and
// overrides the log level it set at OnInitialize time once the file is
// known, mirroring the teacher's pattern of deferring full config load
// to the command body rather than global init.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: logJSON})
	return cfg, nil
}

func rootContext() context.Context {
	return context.Background()
}

// serveMetrics starts the Prometheus endpoint in the background. Errors
// are logged, not fatal: a metrics-server failure must never take down
// the producer or consumer it is instrumenting.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithComponent("metrics").Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.WithComponent("metrics").Info().Str("addr", addr).Msg("metrics endpoint listening")
}
