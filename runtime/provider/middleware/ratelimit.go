// Package middleware provides reusable provider.Provider middlewares such
// as per-call timeouts and adaptive rate limiting.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/orchestra/runtime/provider"
	"goa.design/pulse/rmap"
)

type (
	// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top
	// of a capability provider. It blocks callers until capacity is
	// available and adjusts its effective calls-per-minute budget in
	// response to throttling signals from the provider.
	//
	// The limiter is process-local and sits at the provider boundary:
	// construct a single instance per process and wrap the underlying
	// provider with Middleware before binding it to capability sets.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentCPM float64
		minCPM     float64
		maxCPM     float64

		recoveryRate float64

		onBackoff func(newCPM float64)
		onProbe   func(newCPM float64)
	}

	limitedProvider struct {
		next    provider.Provider
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// calls-per-minute budget. When m and key are set, it coordinates capacity
// across processes using a Pulse replicated map; otherwise it operates as a
// process-local limiter. Canceling ctx stops the cluster budget watcher.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialCPM, maxCPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialCPM, maxCPM)
}

// newAdaptiveRateLimiter constructs a process-local limiter with an initial
// calls-per-minute budget and an upper bound. When maxCPM is zero or less
// than initialCPM, it is clamped to initialCPM.
func newAdaptiveRateLimiter(initialCPM, maxCPM float64) *AdaptiveRateLimiter {
	if initialCPM <= 0 {
		// Default to a conservative budget when callers do not provide one.
		initialCPM = 600
	}
	if maxCPM <= 0 || maxCPM < initialCPM {
		maxCPM = initialCPM
	}
	minCPM := initialCPM * 0.1
	if minCPM < 1 {
		minCPM = 1
	}
	recoveryRate := initialCPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	burst := int(initialCPM)
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialCPM/60.0), burst)

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentCPM:   initialCPM,
		minCPM:       minCPM,
		maxCPM:       maxCPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware returns a provider middleware that enforces the adaptive
// calls-per-minute limit on every invocation.
func (l *AdaptiveRateLimiter) Middleware() provider.Middleware {
	return func(next provider.Provider) provider.Provider {
		if next == nil {
			return nil
		}
		return &limitedProvider{next: next, limiter: l}
	}
}

// Invoke enforces the limiter before delegating to the underlying provider.
func (p *limitedProvider) Invoke(ctx context.Context, operation string, req provider.Request) (provider.Response, error) {
	if err := p.limiter.wait(ctx); err != nil {
		return provider.Response{}, err
	}
	resp, err := p.next.Invoke(ctx, operation, req)
	p.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, provider.ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()

	newCPM := l.currentCPM * 0.5
	if newCPM < l.minCPM {
		newCPM = l.minCPM
	}
	if newCPM == l.currentCPM {
		l.mu.Unlock()
		return
	}
	l.currentCPM = newCPM
	l.limiter.SetLimit(rate.Limit(newCPM / 60.0))
	l.limiter.SetBurst(int(newCPM))

	cb := l.onBackoff

	l.mu.Unlock()

	if cb != nil {
		cb(newCPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()

	newCPM := l.currentCPM + l.recoveryRate
	if newCPM > l.maxCPM {
		newCPM = l.maxCPM
	}
	if newCPM == l.currentCPM {
		l.mu.Unlock()
		return
	}
	l.currentCPM = newCPM
	l.limiter.SetLimit(rate.Limit(newCPM / 60.0))
	l.limiter.SetBurst(int(newCPM))

	cb := l.onProbe

	l.mu.Unlock()

	if cb != nil {
		cb(newCPM)
	}
}

// replaceCPM updates the limiter effective budget to the given value,
// clamped to the configured [minCPM, maxCPM] range.
func (l *AdaptiveRateLimiter) replaceCPM(cpm float64) {
	l.mu.Lock()
	if cpm < l.minCPM {
		cpm = l.minCPM
	}
	if cpm > l.maxCPM {
		cpm = l.maxCPM
	}
	if cpm == l.currentCPM {
		l.mu.Unlock()
		return
	}
	l.currentCPM = cpm
	l.limiter.SetLimit(rate.Limit(cpm / 60.0))
	l.limiter.SetBurst(int(cpm))
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newCPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialCPM, maxCPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialCPM, maxCPM)
	}

	// Best-effort initialization: seed the shared budget when the key does
	// not exist yet. A concurrent writer may still win; we refresh below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialCPM))); err != nil {
			// When seeding fails, fall back to a process-local limiter so
			// callers still make progress.
			return newAdaptiveRateLimiter(initialCPM, maxCPM)
		}
	}

	sharedCPM := initialCPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedCPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedCPM, maxCPM)

	floor := l.minCPM
	ceiling := l.maxCPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go globalBackoff(context.Background(), m, key, floor)
		},
		func(_ float64) {
			go globalProbe(context.Background(), m, key, step, ceiling)
		},
	)

	// Watch for external changes to the shared budget and reconcile the
	// local limiter when they occur. The watcher ends when ctx is canceled
	// or the subscription closes.
	ch := m.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, open := <-ch:
				if !open {
					return
				}
				cur, ok := m.Get(key)
				if !ok {
					continue
				}
				v, err := strconv.ParseFloat(cur, 64)
				if err != nil || v <= 0 {
					continue
				}
				l.replaceCPM(v)
			}
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
