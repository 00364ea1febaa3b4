// Package config loads the server configuration from a YAML file, layered
// over defaults; command-line flags override file values in main.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreDynamoDB = "dynamodb"
	StoreLocal    = "local"
)

// Config holds the server configuration.
type Config struct {
	// Listen is the address the LBS protocol socket binds to
	Listen string `yaml:"listen"`

	// Store selects the KV backend: "dynamodb" or "local"
	Store string `yaml:"store"`

	// DataDir is the local backend's database directory
	DataDir string `yaml:"data_dir"`

	// DynamoDB backend settings
	Region       string   `yaml:"region"`
	Table        string   `yaml:"table"`
	Endpoint     string   `yaml:"endpoint"`
	Endpoints    []string `yaml:"endpoints"`
	OpsPerSec    int      `yaml:"ops_per_sec"`
	AWSKeyID     string   `yaml:"aws_key_id"`
	AWSKeySecret string   `yaml:"aws_key_secret"`

	// Server shape
	BlockLen uint32 `yaml:"block_len"`
	Readers  int    `yaml:"readers"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	RequestLog  string `yaml:"request_log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:8124",
		Store:     StoreLocal,
		DataDir:   "./data",
		Region:    "us-east-1",
		OpsPerSec: 100,
		BlockLen:  4096,
		Readers:   8,
	}
}

// Load reads path into a Config layered over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for use.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.BlockLen == 0 {
		return fmt.Errorf("config: block length must be positive")
	}
	if c.Readers < 1 {
		return fmt.Errorf("config: need at least one reader")
	}

	switch c.Store {
	case StoreLocal:
		if c.DataDir == "" {
			return fmt.Errorf("config: data dir is required for the local store")
		}
	case StoreDynamoDB:
		if c.Table == "" {
			return fmt.Errorf("config: table is required for the dynamodb store")
		}
		if c.Endpoint == "" && len(c.Endpoints) == 0 {
			return fmt.Errorf("config: an endpoint is required for the dynamodb store")
		}
		if c.OpsPerSec < 1 {
			return fmt.Errorf("config: ops per second must be positive")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	return nil
}
