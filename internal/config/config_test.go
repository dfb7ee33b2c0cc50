package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
node:
  id: n1
  listen: ":8080"
  address: "http://localhost:8080"
  data_dir: /var/lib/kvserver
  read_policy: committed
cluster:
  peers:
    - id: n2
      address: "http://localhost:8081"
    - id: n3
      address: "http://localhost:8082"
timing:
  election_timeout_min_ms: 150
  election_timeout_max_ms: 300
  heartbeat_interval_ms: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "n1", cfg.Node.ID)
	require.Equal(t, types.ReadPolicyCommitted, cfg.ReadPolicy())
	require.Equal(t, []types.NodeID{"n2", "n3"}, cfg.PeerIDs())
	require.Equal(t, "http://localhost:8082", cfg.PeerMap()["n3"])
	require.Equal(t, 150*time.Millisecond, cfg.ElectionTimeoutMin())
	require.Equal(t, 300*time.Millisecond, cfg.ElectionTimeoutMax())
	require.Equal(t, 50*time.Millisecond, cfg.HeartbeatInterval())
}

func TestReadPolicyDefaultsToStale(t *testing.T) {
	path := writeConfig(t, `
node:
  id: n1
  listen: ":8080"
  address: "http://localhost:8080"
  data_dir: /tmp/n1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, types.ReadPolicyStale, cfg.ReadPolicy())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		return &Config{
			Node: NodeConfig{ID: "n1", Listen: ":8080", Address: "http://localhost:8080", DataDir: "/tmp/n1"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing id", func(c *Config) { c.Node.ID = "" }},
		{"missing listen", func(c *Config) { c.Node.Listen = "" }},
		{"missing address", func(c *Config) { c.Node.Address = "" }},
		{"missing data dir", func(c *Config) { c.Node.DataDir = "" }},
		{"bad read policy", func(c *Config) { c.Node.ReadPolicy = "linearizable" }},
		{"peer without address", func(c *Config) {
			c.Cluster.Peers = []PeerConfig{{ID: "n2"}}
		}},
		{"duplicate peer", func(c *Config) {
			c.Cluster.Peers = []PeerConfig{
				{ID: "n2", Address: "http://a"},
				{ID: "n2", Address: "http://b"},
			}
		}},
		{"self listed as peer", func(c *Config) {
			c.Cluster.Peers = []PeerConfig{{ID: "n1", Address: "http://a"}}
		}},
		{"min without max", func(c *Config) { c.Timing.ElectionTimeoutMinMS = 150 }},
		{"max not above min", func(c *Config) {
			c.Timing.ElectionTimeoutMinMS = 150
			c.Timing.ElectionTimeoutMaxMS = 150
		}},
		{"heartbeat too slow", func(c *Config) {
			c.Timing.ElectionTimeoutMinMS = 150
			c.Timing.ElectionTimeoutMaxMS = 300
			c.Timing.HeartbeatIntervalMS = 200
		}},
		{"negative timing", func(c *Config) { c.Timing.HeartbeatIntervalMS = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			require.NoError(t, cfg.Validate(), "base config must be valid")
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
