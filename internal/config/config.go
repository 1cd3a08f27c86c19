// Package config loads the indexer's configuration, layering a YAML file
// under environment overrides with koanf, in place of the teacher's
// cobra-flags-only configuration (warren's per-command flag surface is
// small; the indexer's is shared across three binaries and needs to
// survive restarts without retyping flags).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Chain holds the options under the "chain" key.
type Chain struct {
	RPCURL          string `koanf:"rpc_url"`
	ChainID         int64  `koanf:"chain_id"`
	FactoryAddress  string `koanf:"factory_address"`
	Confirmations   uint64 `koanf:"confirmations"`
}

// Poll holds the options under the "poll" key.
type Poll struct {
	BatchBlocks     uint64        `koanf:"batch_blocks"`
	IntervalSeconds time.Duration `koanf:"interval_seconds"`
}

// Reorg holds the options under the "reorg" key.
type Reorg struct {
	RollbackDepth uint64 `koanf:"rollback_depth"`
}

// Broker holds the options under the "broker" key.
type Broker struct {
	URL          string `koanf:"url"`
	StreamName   string `koanf:"exchange_name"`
	Prefetch     int    `koanf:"prefetch"`
}

// Consumer holds the options under the "consumer" key.
type Consumer struct {
	Workers    int `koanf:"workers"`
	MaxRetries int `koanf:"max_retries"`
}

// Reconcile holds the options under the "reconcile" key.
type Reconcile struct {
	IntervalSeconds time.Duration `koanf:"interval_seconds"`
}

// Outbox holds the options under the "outbox" key: the producer's local
// crash-recovery log of published-but-unconfirmed messages.
type Outbox struct {
	DataDir string `koanf:"data_dir"`
}

// Metrics holds the options under the "metrics" key.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Config is the complete, validated configuration surface of spec.md §6.
type Config struct {
	Chain     Chain     `koanf:"chain"`
	Poll      Poll      `koanf:"poll"`
	Reorg     Reorg     `koanf:"reorg"`
	Broker    Broker    `koanf:"broker"`
	Consumer  Consumer  `koanf:"consumer"`
	Reconcile Reconcile `koanf:"reconcile"`
	Outbox    Outbox    `koanf:"outbox"`
	Metrics   Metrics   `koanf:"metrics"`
	DB        struct {
		URL string `koanf:"url"`
	} `koanf:"db"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func defaults() map[string]any {
	return map[string]any{
		"chain.confirmations":     1,
		"poll.batch_blocks":       2000,
		"poll.interval_seconds":   2,
		"reorg.rollback_depth":    50,
		"broker.exchange_name":    "campaign.events",
		"broker.prefetch":        10,
		"consumer.workers":        4,
		"consumer.max_retries":    3,
		"reconcile.interval_seconds": 300,
		"outbox.data_dir":         "./indexer-outbox",
		"metrics.addr":            "127.0.0.1:9090",
		"log.level":               "info",
	}
}

// Load builds a Config by layering, lowest precedence first: built-in
// defaults, an optional YAML file at path, and INDEXER_-prefixed
// environment variables (e.g. INDEXER_CHAIN__RPC_URL maps to
// chain.rpc_url — a double underscore separates nesting levels so a
// single underscore can stay part of a multi-word leaf key).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// "__" separates nesting levels (INDEXER_CHAIN__RPC_URL -> chain.rpc_url);
	// a single "_" stays literal so multi-word leaf keys like rpc_url and
	// batch_blocks survive the translation.
	err := k.Load(env.Provider("INDEXER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "INDEXER_")
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	// Durations are expressed in seconds in the file/env layers; koanf's
	// native duration unmarshal expects a time.Duration-parseable string,
	// so seconds are converted explicitly below rather than fighting the
	// unmarshaler with custom hooks.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Poll.IntervalSeconds = time.Duration(k.Int64("poll.interval_seconds")) * time.Second
	cfg.Reconcile.IntervalSeconds = time.Duration(k.Int64("reconcile.interval_seconds")) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required options named in spec.md §6.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if c.Chain.FactoryAddress == "" {
		return fmt.Errorf("chain.factory_address is required")
	}
	if c.Poll.BatchBlocks == 0 {
		return fmt.Errorf("poll.batch_blocks must be > 0")
	}
	if c.Reorg.RollbackDepth == 0 {
		return fmt.Errorf("reorg.rollback_depth must be > 0")
	}
	if c.DB.URL == "" {
		return fmt.Errorf("db.url is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	return nil
}
