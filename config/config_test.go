package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, 30*time.Second, cfg.Cycle.CallTimeout)
	require.Equal(t, 2*time.Minute, cfg.Metrics.TTL)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  backend: redis
  redis:
    addr: redis.internal:6380
    db: 2
cycle:
  call_timeout: 5s
provider:
  max_retries: 5
  calls_per_minute: 120
metrics:
  ttl: 30s
`))
	require.NoError(t, err)
	require.Equal(t, BackendRedis, cfg.Store.Backend)
	require.Equal(t, "redis.internal:6380", cfg.Store.Redis.Addr)
	require.Equal(t, 2, cfg.Store.Redis.DB)
	require.Equal(t, 5*time.Second, cfg.Cycle.CallTimeout)
	require.Equal(t, 5, cfg.Provider.MaxRetries)
	require.Equal(t, 120, cfg.Provider.CallsPerMinute)
	require.Equal(t, 30*time.Second, cfg.Metrics.TTL)
	// Untouched sections keep their defaults.
	require.Equal(t, time.Second, cfg.Provider.InitialBackoff)
	require.Equal(t, "mongodb://localhost:27017", cfg.Store.Mongo.URI)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("stoer:\n  backend: memory\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = BackendRedis
			c.Store.Redis.Addr = ""
		}},
		{"mongo without uri", func(c *Config) {
			c.Store.Backend = BackendMongo
			c.Store.Mongo.URI = ""
		}},
		{"mongo without database", func(c *Config) {
			c.Store.Backend = BackendMongo
			c.Store.Mongo.Database = ""
		}},
		{"negative call timeout", func(c *Config) { c.Cycle.CallTimeout = -time.Second }},
		{"negative retries", func(c *Config) { c.Provider.MaxRetries = -1 }},
		{"negative cpm", func(c *Config) { c.Provider.CallsPerMinute = -1 }},
		{"negative ttl", func(c *Config) { c.Metrics.TTL = -time.Minute }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: memory\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Store.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
