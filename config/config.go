// Package config loads orchestrator configuration from YAML.
//
// Configuration is loaded from a single file; there is no automatic
// discovery or environment merging. Zero values select documented defaults
// so a minimal file, or none at all, yields a working single-process setup
// backed by the in-memory stores. orchestra.FromConfig interprets a loaded
// Config into a running orchestrator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Backend selects a session store implementation.
	Backend string

	// Config is the orchestrator's top-level configuration.
	Config struct {
		// Store configures session and report persistence.
		Store StoreConfig `yaml:"store"`
		// Cycle configures cycle execution.
		Cycle CycleConfig `yaml:"cycle"`
		// Provider configures capability provider call handling.
		Provider ProviderConfig `yaml:"provider"`
		// Metrics configures the fleet metrics aggregator.
		Metrics MetricsConfig `yaml:"metrics"`
	}

	// StoreConfig selects and configures the persistence backend.
	StoreConfig struct {
		// Backend is one of "memory", "redis" or "mongo". Default: memory.
		Backend Backend `yaml:"backend"`
		// Redis configures the Redis backend.
		Redis RedisConfig `yaml:"redis"`
		// Mongo configures the MongoDB backend.
		Mongo MongoConfig `yaml:"mongo"`
	}

	// RedisConfig configures the Redis session store.
	RedisConfig struct {
		// Addr is the host:port of the Redis server. Default:
		// localhost:6379.
		Addr string `yaml:"addr"`
		// Password authenticates the connection. Optional.
		Password string `yaml:"password"`
		// DB selects the logical database. Default: 0.
		DB int `yaml:"db"`
	}

	// MongoConfig configures the MongoDB session and report stores.
	MongoConfig struct {
		// URI is the MongoDB connection string. Default:
		// mongodb://localhost:27017.
		URI string `yaml:"uri"`
		// Database is the database name. Default: orchestra.
		Database string `yaml:"database"`
	}

	// CycleConfig configures cycle execution.
	CycleConfig struct {
		// CallTimeout bounds each provider call within a cycle. Zero
		// disables the bound. Default: 30s.
		CallTimeout time.Duration `yaml:"call_timeout"`
	}

	// ProviderConfig configures provider call handling.
	ProviderConfig struct {
		// MaxRetries caps retry attempts per provider call. Default: 3.
		MaxRetries int `yaml:"max_retries"`
		// InitialBackoff is the first retry delay. Default: 1s.
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		// MaxBackoff caps the retry delay. Default: 30s.
		MaxBackoff time.Duration `yaml:"max_backoff"`
		// CallsPerMinute is the adaptive rate limiter's starting budget.
		// Zero disables rate limiting.
		CallsPerMinute int `yaml:"calls_per_minute"`
	}

	// MetricsConfig configures the metrics aggregator.
	MetricsConfig struct {
		// TTL bounds snapshot staleness. Default: 2m.
		TTL time.Duration `yaml:"ttl"`
	}
)

const (
	// BackendMemory keeps all state in process memory.
	BackendMemory Backend = "memory"
	// BackendRedis persists sessions in Redis.
	BackendRedis Backend = "redis"
	// BackendMongo persists sessions and reports in MongoDB.
	BackendMongo Backend = "mongo"
)

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "localhost:6379"},
			Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "orchestra"},
		},
		Cycle: CycleConfig{CallTimeout: 30 * time.Second},
		Provider: ProviderConfig{
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Metrics: MetricsConfig{TTL: 2 * time.Minute},
	}
}

// Load reads and validates the configuration file at path. Fields absent
// from the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		return errors.New("redis backend requires store.redis.addr")
	}
	if c.Store.Backend == BackendMongo {
		if c.Store.Mongo.URI == "" {
			return errors.New("mongo backend requires store.mongo.uri")
		}
		if c.Store.Mongo.Database == "" {
			return errors.New("mongo backend requires store.mongo.database")
		}
	}
	if c.Cycle.CallTimeout < 0 {
		return errors.New("cycle.call_timeout must not be negative")
	}
	if c.Provider.MaxRetries < 0 {
		return errors.New("provider.max_retries must not be negative")
	}
	if c.Provider.InitialBackoff < 0 || c.Provider.MaxBackoff < 0 {
		return errors.New("provider backoffs must not be negative")
	}
	if c.Provider.CallsPerMinute < 0 {
		return errors.New("provider.calls_per_minute must not be negative")
	}
	if c.Metrics.TTL < 0 {
		return errors.New("metrics.ttl must not be negative")
	}
	return nil
}
