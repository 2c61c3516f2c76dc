package orchestra

import (
	"context"
	"fmt"

	redisdb "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/orchestra/config"
	reportmongo "goa.design/orchestra/features/report/mongo"
	sessionmongo "goa.design/orchestra/features/session/mongo"
	clientsmongo "goa.design/orchestra/features/session/mongo/clients/mongo"
	sessionredis "goa.design/orchestra/features/session/redis"
	"goa.design/orchestra/runtime/cycle"
	"goa.design/orchestra/runtime/provider"
	"goa.design/orchestra/runtime/provider/middleware"
	"goa.design/orchestra/runtime/provider/retry"
	"goa.design/orchestra/runtime/session"
)

// FromConfig builds an Orchestrator from a loaded configuration. The store
// backend selects the session store (and, for Mongo, the report store), the
// provider settings wrap every capability set's provider with retry and
// rate-limit middleware, and the cycle and metrics settings bound provider
// calls and snapshot staleness. The default configuration needs no external
// services.
//
// ctx bounds backend client construction and the rate limiters' lifetime.
// Telemetry defaults to no-op; callers needing logging or tracing assemble
// Options and call New directly.
func FromConfig(ctx context.Context, cfg config.Config, sets map[session.Kind]cycle.CapabilitySet) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := Options{
		Sets:        wrapSets(ctx, cfg.Provider, sets),
		CallTimeout: cfg.Cycle.CallTimeout,
		MetricsTTL:  cfg.Metrics.TTL,
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb := redisdb.NewClient(&redisdb.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		store, err := sessionredis.NewStore(sessionredis.Options{Client: rdb})
		if err != nil {
			return nil, err
		}
		opts.Sessions = store
	case config.BackendMongo:
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Store.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		cli, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Store.Mongo.Database})
		if err != nil {
			return nil, err
		}
		store, err := sessionmongo.NewStore(cli)
		if err != nil {
			return nil, err
		}
		reports, err := reportmongo.NewStore(reportmongo.Options{Client: mc, Database: cfg.Store.Mongo.Database})
		if err != nil {
			return nil, err
		}
		opts.Sessions = store
		opts.Reports = reports
	case config.BackendMemory:
		// New fills in the in-memory stores.
	}
	return New(opts)
}

// wrapSets applies the configured provider middleware to every capability
// set. Retry wraps the rate limiter so each retry attempt waits for
// capacity. Each set gets its own limiter budget.
func wrapSets(ctx context.Context, cfg config.ProviderConfig, sets map[session.Kind]cycle.CapabilitySet) map[session.Kind]cycle.CapabilitySet {
	wrapped := make(map[session.Kind]cycle.CapabilitySet, len(sets))
	for kind, set := range sets {
		var mws []provider.Middleware
		if cfg.MaxRetries > 0 {
			mws = append(mws, retry.Middleware(retry.Config{
				MaxAttempts:       cfg.MaxRetries + 1,
				InitialBackoff:    cfg.InitialBackoff,
				MaxBackoff:        cfg.MaxBackoff,
				BackoffMultiplier: 2.0,
				Jitter:            0.1,
			}))
		}
		if cfg.CallsPerMinute > 0 {
			budget := float64(cfg.CallsPerMinute)
			limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", budget, budget)
			mws = append(mws, limiter.Middleware())
		}
		if len(mws) > 0 && set.Provider != nil {
			set.Provider = provider.Chain(set.Provider, mws...)
		}
		wrapped[kind] = set
	}
	return wrapped
}
