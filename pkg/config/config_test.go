package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "mongoclaw", cfg.Mongo.Database)
	assert.Equal(t, "agents", cfg.Mongo.AgentsCollection)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, int64(100000), cfg.Redis.StreamMaxLen)
	assert.Equal(t, "mongoclaw-workers", cfg.Redis.ConsumerGroup)
	assert.Equal(t, 10, cfg.Worker.PoolSize)
	assert.Equal(t, types.RouteByAgent, cfg.Worker.RoutingStrategy)
	assert.Equal(t, 8, cfg.Worker.PartitionCount)
	assert.Equal(t, types.OverflowDefer, cfg.Worker.OverflowPolicy)
	assert.Equal(t, 300*time.Second, cfg.Worker.ExecutionTimeout)
	assert.True(t, cfg.LeaderElectionEnabled)
	assert.True(t, cfg.HotReloadEnabled)

	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mongoclaw.yaml")
	data := []byte(`
mongodb:
  database: tickets
redis:
  consumer_group: ticket-workers
worker:
  pool_size: 4
  routing_strategy: partitioned
  partition_count: 16
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tickets", cfg.Mongo.Database)
	assert.Equal(t, "ticket-workers", cfg.Redis.ConsumerGroup)
	assert.Equal(t, 4, cfg.Worker.PoolSize)
	assert.Equal(t, types.RoutePartitioned, cfg.Worker.RoutingStrategy)
	assert.Equal(t, 16, cfg.Worker.PartitionCount)

	// untouched groups keep defaults
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, 100, int(cfg.Mongo.MaxPoolSize))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/mongoclaw.yaml")
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mongoclaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  pool_size: 4\n"), 0o644))

	t.Setenv("WORKER_POOL_SIZE", "32")
	t.Setenv("REDIS_BLOCK_MS", "2500")
	t.Setenv("WORKER_RETRY_BASE_DELAY", "0.5")
	t.Setenv("MONGOCLAW_HOT_RELOAD_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Worker.PoolSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.Redis.BlockTime)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.RetryBaseDelay)
	assert.False(t, cfg.HotReloadEnabled)
}

func TestEnvIgnoresUnparseable(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Worker.PoolSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"retry base above max", func(c *Config) {
			c.Worker.RetryBaseDelay = 2 * time.Minute
			c.Worker.RetryMaxDelay = time.Second
		}},
		{"zero pool size", func(c *Config) { c.Worker.PoolSize = 0 }},
		{"threshold above one", func(c *Config) { c.Worker.DispatchBackpressureThreshold = 1.5 }},
		{"unknown routing strategy", func(c *Config) { c.Worker.RoutingStrategy = "round_robin" }},
		{"unknown overflow policy", func(c *Config) { c.Worker.OverflowPolicy = "spill" }},
		{"temperature out of range", func(c *Config) { c.AI.DefaultTemperature = 3.0 }},
		{"zero partitions", func(c *Config) { c.Worker.PartitionCount = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
