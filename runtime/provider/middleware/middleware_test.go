package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/provider"
	"goa.design/pulse/rmap"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	events chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		events: make(chan rmap.EventKind),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.values[key]
	if prev == test {
		m.values[key] = value
	}
	return prev, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.events
}

func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func TestTimeoutPassesFastCalls(t *testing.T) {
	base := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		return provider.Response{Confidence: 1}, nil
	})
	wrapped := provider.Chain(base, Timeout("engine", time.Second))
	resp, err := wrapped.Invoke(context.Background(), "trend", provider.Request{Target: "t"})
	require.NoError(t, err)
	require.Equal(t, 1.0, resp.Confidence)
}

func TestTimeoutExpiresSlowCalls(t *testing.T) {
	base := provider.Func(func(ctx context.Context, _ string, _ provider.Request) (provider.Response, error) {
		select {
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		case <-time.After(time.Second):
			return provider.Response{}, nil
		}
	})
	wrapped := provider.Chain(base, Timeout("engine", 10*time.Millisecond))
	_, err := wrapped.Invoke(context.Background(), "trend", provider.Request{Target: "t"})
	pe, ok := provider.AsError(err)
	require.True(t, ok, "expected a structured provider error, got %v", err)
	require.Equal(t, provider.ErrorKindTimeout, pe.Kind())
	require.True(t, pe.Retryable())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutDisabledWhenNonPositive(t *testing.T) {
	base := provider.Func(func(ctx context.Context, _ string, _ provider.Request) (provider.Response, error) {
		_, hasDeadline := ctx.Deadline()
		require.False(t, hasDeadline)
		return provider.Response{}, nil
	})
	wrapped := provider.Chain(base, Timeout("engine", 0))
	_, err := wrapped.Invoke(context.Background(), "trend", provider.Request{})
	require.NoError(t, err)
}

func TestAdaptiveRateLimiterBackoffAndProbe(t *testing.T) {
	l := newAdaptiveRateLimiter(600, 1200)
	require.Equal(t, 600.0, l.currentCPM)

	l.backoff()
	require.Equal(t, 300.0, l.currentCPM)
	l.backoff()
	require.Equal(t, 150.0, l.currentCPM)

	l.probe()
	require.Equal(t, 180.0, l.currentCPM, "probe adds 5%% of the initial budget")
}

func TestAdaptiveRateLimiterFloorsAtMin(t *testing.T) {
	l := newAdaptiveRateLimiter(10, 10)
	for i := 0; i < 20; i++ {
		l.backoff()
	}
	require.Equal(t, l.minCPM, l.currentCPM)
}

func TestAdaptiveRateLimiterObservesRateLimitErrors(t *testing.T) {
	l := newAdaptiveRateLimiter(600, 600)
	throttled := provider.NewError("engine", "trend", "t", provider.ErrorKindRateLimited, "", true, nil)
	base := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		return provider.Response{}, throttled
	})
	wrapped := provider.Chain(base, l.Middleware())

	_, err := wrapped.Invoke(context.Background(), "trend", provider.Request{Target: "t"})
	require.ErrorIs(t, err, provider.ErrRateLimited)
	require.Equal(t, 300.0, l.currentCPM, "throttling must halve the budget")
}

func TestAdaptiveRateLimiterRecoversOnSuccess(t *testing.T) {
	l := newAdaptiveRateLimiter(600, 600)
	l.backoff()
	base := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		return provider.Response{Confidence: 1}, nil
	})
	wrapped := provider.Chain(base, l.Middleware())

	_, err := wrapped.Invoke(context.Background(), "trend", provider.Request{Target: "t"})
	require.NoError(t, err)
	require.Equal(t, 330.0, l.currentCPM, "success must probe the budget upward")
}

func currentCPM(l *AdaptiveRateLimiter) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentCPM
}

func TestClusterLimiterReconcilesExternalBudget(t *testing.T) {
	m := newFakeClusterMap()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newClusterAdaptiveRateLimiter(ctx, m, "budget", 600, 1200)
	require.Equal(t, 600.0, currentCPM(l))

	m.set("budget", "900")
	m.events <- rmap.EventKind(0)
	require.Eventually(t, func() bool { return currentCPM(l) == 900.0 },
		time.Second, time.Millisecond, "external budget changes must reconcile the local limiter")
}

func TestClusterLimiterWatcherStopsOnCancel(t *testing.T) {
	m := newFakeClusterMap()
	ctx, cancel := context.WithCancel(context.Background())
	l := newClusterAdaptiveRateLimiter(ctx, m, "budget", 600, 1200)

	m.set("budget", "900")
	m.events <- rmap.EventKind(0)
	require.Eventually(t, func() bool { return currentCPM(l) == 900.0 },
		time.Second, time.Millisecond)

	cancel()
	// Once the watcher exits, nothing receives budget events anymore.
	require.Eventually(t, func() bool {
		select {
		case m.events <- rmap.EventKind(0):
			return false
		default:
			return true
		}
	}, time.Second, time.Millisecond, "the watcher must stop consuming events after cancel")

	m.set("budget", "1000")
	require.Equal(t, 900.0, currentCPM(l), "budget changes after cancel must not apply")
}
