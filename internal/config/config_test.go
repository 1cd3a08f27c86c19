package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "indexer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, `
chain:
  rpc_url: "https://rpc.example.com"
  chain_id: 1
  factory_address: "0x0000000000000000000000000000000000dEaD"
db:
  url: "postgres://localhost/indexer"
broker:
  url: "nats://localhost:4222"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.EqualValues(t, 1, cfg.Chain.Confirmations)
	require.EqualValues(t, 2000, cfg.Poll.BatchBlocks)
	require.Equal(t, 2*time.Second, cfg.Poll.IntervalSeconds)
	require.EqualValues(t, 50, cfg.Reorg.RollbackDepth)
	require.Equal(t, "campaign.events", cfg.Broker.StreamName)
	require.Equal(t, 10, cfg.Broker.Prefetch)
	require.Equal(t, 4, cfg.Consumer.Workers)
	require.Equal(t, 3, cfg.Consumer.MaxRetries)
	require.Equal(t, 300*time.Second, cfg.Reconcile.IntervalSeconds)
	require.Equal(t, "./indexer-outbox", cfg.Outbox.DataDir)
	require.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
chain:
  rpc_url: "https://rpc.example.com"
  chain_id: 1
  factory_address: "0x0000000000000000000000000000000000dEaD"
db:
  url: "postgres://localhost/indexer"
broker:
  url: "nats://localhost:4222"
  prefetch: 25
consumer:
  workers: 8
outbox:
  data_dir: "/var/lib/indexer/outbox"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 25, cfg.Broker.Prefetch)
	require.Equal(t, 8, cfg.Consumer.Workers)
	require.Equal(t, "/var/lib/indexer/outbox", cfg.Outbox.DataDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
chain:
  rpc_url: "https://rpc.example.com"
  chain_id: 1
  factory_address: "0x0000000000000000000000000000000000dEaD"
db:
  url: "postgres://localhost/indexer"
broker:
  url: "nats://localhost:4222"
`)

	t.Setenv("INDEXER_METRICS__ADDR", "0.0.0.0:9999")
	t.Setenv("INDEXER_CHAIN__RPC_URL", "https://override.example.com")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Metrics.Addr)
	require.Equal(t, "https://override.example.com", cfg.Chain.RPCURL)
}

func TestLoadMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing rpc_url", `
chain:
  chain_id: 1
  factory_address: "0x0000000000000000000000000000000000dEaD"
db:
  url: "postgres://localhost/indexer"
broker:
  url: "nats://localhost:4222"
`},
		{"missing chain_id", `
chain:
  rpc_url: "https://rpc.example.com"
  factory_address: "0x0000000000000000000000000000000000dEaD"
db:
  url: "postgres://localhost/indexer"
broker:
  url: "nats://localhost:4222"
`},
		{"missing db url", `
chain:
  rpc_url: "https://rpc.example.com"
  chain_id: 1
  factory_address: "0x0000000000000000000000000000000000dEaD"
broker:
  url: "nats://localhost:4222"
`},
		{"missing broker url", `
chain:
  rpc_url: "https://rpc.example.com"
  chain_id: 1
  factory_address: "0x0000000000000000000000000000000000dEaD"
db:
  url: "postgres://localhost/indexer"
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.yaml)
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}
