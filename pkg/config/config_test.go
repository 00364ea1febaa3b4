package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaults tests that the built-in configuration validates
func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, StoreLocal, cfg.Store)
	assert.Equal(t, uint32(4096), cfg.BlockLen)
}

// TestLoadFile tests layering a YAML file over the defaults
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lbs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: dynamodb
table: lbs
region: eu-west-1
endpoint: dynamodb.eu-west-1.amazonaws.com:80
ops_per_sec: 250
block_len: 8192
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StoreDynamoDB, cfg.Store)
	assert.Equal(t, "lbs", cfg.Table)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, 250, cfg.OpsPerSec)
	assert.Equal(t, uint32(8192), cfg.BlockLen)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1:8124", cfg.Listen)
	assert.Equal(t, 8, cfg.Readers)
}

// TestLoadMissingFile tests that a missing file is an error
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestValidate tests rejection of broken configurations
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero block length", func(c *Config) { c.BlockLen = 0 }},
		{"no readers", func(c *Config) { c.Readers = 0 }},
		{"unknown store", func(c *Config) { c.Store = "etcd" }},
		{"dynamodb without table", func(c *Config) { c.Store = StoreDynamoDB; c.Endpoint = "x:80" }},
		{"dynamodb without endpoint", func(c *Config) { c.Store = StoreDynamoDB; c.Table = "lbs" }},
		{"local without data dir", func(c *Config) { c.DataDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
