package orchestra

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orchestra/config"
	"goa.design/orchestra/runtime/cycle"
	"goa.design/orchestra/runtime/lifecycle"
	"goa.design/orchestra/runtime/provider"
	"goa.design/orchestra/runtime/session"
)

func analyticsSets(p provider.Provider) map[session.Kind]cycle.CapabilitySet {
	return map[session.Kind]cycle.CapabilitySet{
		session.KindAnalytics: {
			Name:       "analytics-engine",
			Provider:   p,
			Operations: []string{"trend"},
		},
	}
}

func TestFromConfigDefaults(t *testing.T) {
	ctx := context.Background()
	o, err := FromConfig(ctx, config.Default(), analyticsSets(stubProvider(provider.Response{
		Payload:    json.RawMessage(`{"direction":"up"}`),
		Confidence: 1,
	}, nil)))
	require.NoError(t, err)

	sess, err := o.StartSession(ctx, lifecycleDescriptor())
	require.NoError(t, err)
	ok, err := o.RunCycle(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := o.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.TotalSessions)
}

func TestFromConfigAppliesRetryPolicy(t *testing.T) {
	var calls atomic.Int64
	flaky := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		if calls.Add(1) < 3 {
			return provider.Response{}, provider.NewError("engine", "trend", "metric_a",
				provider.ErrorKindUnavailable, "warming up", true, nil)
		}
		return provider.Response{Confidence: 1}, nil
	})

	cfg := config.Default()
	cfg.Provider.MaxRetries = 2
	cfg.Provider.InitialBackoff = time.Millisecond
	cfg.Provider.MaxBackoff = 2 * time.Millisecond
	cfg.Provider.CallsPerMinute = 600

	ctx := context.Background()
	o, err := FromConfig(ctx, cfg, analyticsSets(flaky))
	require.NoError(t, err)

	sess, err := o.StartSession(ctx, lifecycleDescriptor())
	require.NoError(t, err)
	ok, err := o.RunCycle(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok, "two retryable failures must be absorbed by the retry budget")
	require.Equal(t, int64(3), calls.Load())

	got, err := o.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	require.Equal(t, session.StatusActive, got.Status)
}

func TestFromConfigRetryBudgetExhaustionFailsSession(t *testing.T) {
	var calls atomic.Int64
	down := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		calls.Add(1)
		return provider.Response{}, provider.NewError("engine", "trend", "metric_a",
			provider.ErrorKindUnavailable, "engine down", true, nil)
	})

	cfg := config.Default()
	cfg.Provider.MaxRetries = 1
	cfg.Provider.InitialBackoff = time.Millisecond
	cfg.Provider.MaxBackoff = time.Millisecond

	ctx := context.Background()
	o, err := FromConfig(ctx, cfg, analyticsSets(down))
	require.NoError(t, err)

	sess, err := o.StartSession(ctx, lifecycleDescriptor())
	require.NoError(t, err)
	ok, err := o.RunCycle(ctx, sess.ID)
	require.False(t, ok)
	require.Error(t, err)
	require.Equal(t, int64(2), calls.Load(), "one retry then give up")

	got, err := o.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusFailed, got.Status)
}

func TestFromConfigRedisBackend(t *testing.T) {
	// The Redis client connects lazily so construction needs no server.
	cfg := config.Default()
	cfg.Store.Backend = config.BackendRedis

	o, err := FromConfig(context.Background(), cfg, analyticsSets(stubProvider(provider.Response{Confidence: 1}, nil)))
	require.NoError(t, err)
	require.NotNil(t, o)
}

func TestFromConfigRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "bolt"

	_, err := FromConfig(context.Background(), cfg, analyticsSets(stubProvider(provider.Response{Confidence: 1}, nil)))
	require.ErrorContains(t, err, "unknown store backend")
}

func TestFromConfigRequiresCapabilitySets(t *testing.T) {
	_, err := FromConfig(context.Background(), config.Default(), nil)
	require.Error(t, err)
}

func lifecycleDescriptor() lifecycle.Descriptor {
	return lifecycle.Descriptor{
		Kind:    session.KindAnalytics,
		Targets: []string{"metric_a"},
	}
}
