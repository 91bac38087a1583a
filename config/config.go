package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// NetworkConfig holds parameters for the HTTP clients used between nodes.
// Delays simulate inter-shard network latency during experiments.
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"`
	MaxDelayMs   int  `json:"max_delay_ms"`
}

// Config holds all configurable parameters for the application
type Config struct {
	ShardNum       int           `json:"shard_num"`
	BlockTimeMs    int           `json:"block_time_ms"`
	GenesisPath    string        `json:"genesis_path"`
	TestAccountNum int           `json:"test_account_num"`
	Network        NetworkConfig `json:"network"`
}

// Load reads and parses the config.json file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.ShardNum <= 0 {
		return nil, fmt.Errorf("invalid shard_num %d: shard count must be positive", cfg.ShardNum)
	}

	return cfg, nil
}

// LoadDefault loads the default config from config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}
