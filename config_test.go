package towerd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/towerd/wtdb"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig checks the config file is read from the tower directory
// and that the command line takes precedence over it.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	towerDir := t.TempDir()
	conf := `
maxappointments=500

[bitcoind]
bitcoind.network=regtest
bitcoind.rpcuser=alice
bitcoind.pollinterval=10s

[db]
db.backend=leveldb
`
	err := os.WriteFile(
		filepath.Join(towerDir, defaultConfigFilename), []byte(conf),
		0600,
	)
	require.NoError(t, err)

	cfg, err := LoadConfig([]string{
		"--towerdir=" + towerDir, "--maxappointments=700",
	})
	require.NoError(t, err)

	require.Equal(t, 700, cfg.MaxAppointments)
	require.Equal(t, "alice", cfg.Bitcoind.RPCUser)
	require.Equal(t, 10*time.Second, cfg.Bitcoind.PollInterval)
	require.Equal(t, wtdb.LevelBackend, cfg.DB.Backend)
	require.Equal(t, &chaincfg.RegressionNetParams, cfg.ActiveNetParams)
	require.Equal(t, "localhost:18443", cfg.Bitcoind.RPCHost)
	require.Equal(t, filepath.Join(towerDir, defaultDataDirname),
		cfg.DataDir)
	require.Equal(t, filepath.Join(towerDir, defaultLogDirname,
		defaultLogFilename), cfg.LogFile())
}

// TestValidateConfig covers the rejected configurations.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "network",
			mutate: func(c *Config) {
				c.Bitcoind.Network = "simnet"
			},
		},
		{
			name: "backend",
			mutate: func(c *Config) {
				c.DB.Backend = "postgres"
			},
		},
		{
			name: "poll interval",
			mutate: func(c *Config) {
				c.Bitcoind.PollInterval = 0
			},
		},
		{
			name: "slots",
			mutate: func(c *Config) {
				c.Subscription.Slots = 0
			},
		},
		{
			name: "locator cache",
			mutate: func(c *Config) {
				c.LocatorCacheSize = 0
			},
		},
		{
			name: "health check attempts",
			mutate: func(c *Config) {
				c.HealthChecks.Attempts = 0
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.TowerDir = t.TempDir()
			test.mutate(&cfg)

			_, err := ValidateConfig(cfg)
			require.Error(t, err)
		})
	}

	cfg := DefaultConfig()
	cfg.Bitcoind.RPCHost = "10.0.0.1:9999"
	validated, err := ValidateConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:9999", validated.Bitcoind.RPCHost)
	require.Equal(t, &chaincfg.MainNetParams, validated.ActiveNetParams)
}
