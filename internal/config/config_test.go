package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
source:
  rpc_url: ws://localhost:8545
  chain_id: 31337
  bridge_address: "0x1000000000000000000000000000000000000001"
destination:
  rpc_url: ws://localhost:9545
  chain_id: 11155111
voucher:
  private_key: "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
monitor:
  max_block_range: 500
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, uint64(31337), cfg.Source.ChainID)
	assert.Equal(t, uint64(500), cfg.Monitor.MaxBlockRange)
	assert.Equal(t, 15*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "WrappedToken", cfg.Destination.DomainName)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("BRIDGE_RELAYER_PROCESSOR_WORKERS", "9")
	t.Setenv("DATABASE_URL", "postgres://relayer@localhost/relayer")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Processor.Workers)
	assert.Equal(t, "postgres://relayer@localhost/relayer", cfg.Storage.ConnectionString)
}

func TestValidate(t *testing.T) {
	base, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing source rpc", func(c *Config) { c.Source.RPCURL = "" }},
		{"missing source bridge", func(c *Config) { c.Source.BridgeAddress = "" }},
		{"invalid destination bridge", func(c *Config) { c.Destination.BridgeAddress = "not-an-address" }},
		{"same chain ids", func(c *Config) { c.Destination.ChainID = c.Source.ChainID }},
		{"missing private key", func(c *Config) { c.Voucher.PrivateKey = "" }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mongo" }},
		{"zero block range", func(c *Config) { c.Monitor.MaxBlockRange = 0 }},
		{"no workers", func(c *Config) { c.Processor.Workers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
