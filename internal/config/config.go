// Package config loads and validates the node configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Timing  TimingConfig  `yaml:"timing"`
}

type NodeConfig struct {
	ID         string `yaml:"id"`
	Listen     string `yaml:"listen"`  // e.g. ":8080"
	Address    string `yaml:"address"` // advertised, e.g. "http://localhost:8080"
	DataDir    string `yaml:"data_dir"`
	ReadPolicy string `yaml:"read_policy"` // "stale" (default) or "committed"
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type TimingConfig struct {
	ElectionTimeoutMinMS int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}

	if c.Node.Listen == "" {
		return fmt.Errorf("node.listen is required")
	}

	if c.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}

	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	switch c.Node.ReadPolicy {
	case "", "stale", "committed":
	default:
		return fmt.Errorf("node.read_policy must be \"stale\" or \"committed\", got %q", c.Node.ReadPolicy)
	}

	uniqueIDs := make(map[string]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("every peer needs an id and an address")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %s", peer.ID)
		}
		uniqueIDs[peer.ID] = true
	}

	if uniqueIDs[c.Node.ID] {
		return fmt.Errorf("node.id %s must not be listed in cluster.peers", c.Node.ID)
	}

	min, max, hb := c.Timing.ElectionTimeoutMinMS, c.Timing.ElectionTimeoutMaxMS, c.Timing.HeartbeatIntervalMS
	if min < 0 || max < 0 || hb < 0 {
		return fmt.Errorf("timing values must not be negative")
	}
	if (min == 0) != (max == 0) {
		return fmt.Errorf("election_timeout_min_ms and election_timeout_max_ms must be set together")
	}
	if min != 0 {
		if max <= min {
			return fmt.Errorf("election_timeout_max_ms must be greater than election_timeout_min_ms")
		}
		if hb != 0 && hb >= min {
			return fmt.Errorf("heartbeat_interval_ms must be less than election_timeout_min_ms")
		}
	}

	return nil
}

// ReadPolicy returns the configured read policy.
func (c *Config) ReadPolicy() types.ReadPolicy {
	if c.Node.ReadPolicy == "committed" {
		return types.ReadPolicyCommitted
	}
	return types.ReadPolicyStale
}

// PeerIDs returns the IDs of all peers (not including this node).
func (c *Config) PeerIDs() []types.NodeID {
	ids := make([]types.NodeID, len(c.Cluster.Peers))
	for i, peer := range c.Cluster.Peers {
		ids[i] = types.NodeID(peer.ID)
	}
	return ids
}

// PeerMap returns the peer ID to address mapping.
func (c *Config) PeerMap() map[types.NodeID]string {
	res := make(map[types.NodeID]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		res[types.NodeID(peer.ID)] = peer.Address
	}
	return res
}

// ElectionTimeoutMin returns the configured minimum election timeout, or
// zero if unset (raft applies its defaults then).
func (c *Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.Timing.ElectionTimeoutMinMS) * time.Millisecond
}

func (c *Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.Timing.ElectionTimeoutMaxMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Timing.HeartbeatIntervalMS) * time.Millisecond
}
