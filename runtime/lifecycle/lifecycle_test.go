package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orchestra/runtime/cycle"
	"goa.design/orchestra/runtime/provider"
	"goa.design/orchestra/runtime/session"
	"goa.design/orchestra/runtime/session/inmem"
)

func newManager(t *testing.T, store session.Store, locks *session.LockSet, runner Runner) *Manager {
	t.Helper()
	mgr, err := New(Options{Store: store, Locks: locks, Runner: runner})
	require.NoError(t, err)
	return mgr
}

func analyticsDescriptor() Descriptor {
	return Descriptor{
		Kind:    session.KindAnalytics,
		Name:    "weekly health",
		Targets: []string{"error_rate", "response_time"},
	}
}

func TestCreate(t *testing.T) {
	store := inmem.New()
	mgr := newManager(t, store, session.NewLockSet(), nil)

	sess, err := mgr.Create(context.Background(), analyticsDescriptor())
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, session.StatusActive, sess.Status)
	require.Nil(t, sess.EndedAt)
	require.False(t, sess.StartedAt.IsZero())

	stored, err := store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"error_rate", "response_time"}, stored.Targets)
}

func TestCreateValidation(t *testing.T) {
	mgr := newManager(t, inmem.New(), session.NewLockSet(), nil)
	ctx := context.Background()

	_, err := mgr.Create(ctx, Descriptor{Kind: "mystery", Targets: []string{"t"}})
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = mgr.Create(ctx, Descriptor{Kind: session.KindAnalytics})
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = mgr.Create(ctx, Descriptor{Kind: session.KindAnalytics, Targets: []string{""}})
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestPauseResume(t *testing.T) {
	store := inmem.New()
	mgr := newManager(t, store, session.NewLockSet(), nil)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, analyticsDescriptor())
	require.NoError(t, err)

	paused, err := mgr.Pause(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusPaused, paused.Status)

	_, err = mgr.Pause(ctx, sess.ID)
	require.ErrorIs(t, err, ErrInvalidTransition, "pause requires an active session")

	resumed, err := mgr.Resume(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, resumed.Status)

	_, err = mgr.Resume(ctx, sess.ID)
	require.ErrorIs(t, err, ErrInvalidTransition, "resume requires a paused session")
}

func TestResumeTriggersOneCycle(t *testing.T) {
	store := inmem.New()
	locks := session.NewLockSet()
	calls := 0
	p := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		calls++
		return provider.Response{Confidence: 1}, nil
	})
	exec, err := cycle.New(cycle.Options{
		Store: store,
		Locks: locks,
		Sets: map[session.Kind]cycle.CapabilitySet{
			session.KindAnalytics: {Name: "analytics-engine", Provider: p, Operations: []string{"trend"}},
		},
	})
	require.NoError(t, err)
	mgr := newManager(t, store, locks, exec)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, Descriptor{Kind: session.KindAnalytics, Targets: []string{"t"}})
	require.NoError(t, err)
	_, err = mgr.Pause(ctx, sess.ID)
	require.NoError(t, err)

	resumed, err := mgr.Resume(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "resume runs exactly one cycle")
	require.Len(t, resumed.Results, 1, "resume returns the post-cycle state")
}

func TestEnd(t *testing.T) {
	store := inmem.New()
	mgr := newManager(t, store, session.NewLockSet(), nil)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, analyticsDescriptor())
	require.NoError(t, err)

	ended, err := mgr.End(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, ended.Status)
	require.NotNil(t, ended.EndedAt)

	// Idempotent: a second end is a no-op that neither errors nor mutates.
	again, err := mgr.End(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, again.Status)
	require.Equal(t, ended.EndedAt.UnixNano(), again.EndedAt.UnixNano())
	require.Equal(t, len(ended.Results), len(again.Results))
}

func TestEndPaused(t *testing.T) {
	store := inmem.New()
	mgr := newManager(t, store, session.NewLockSet(), nil)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, analyticsDescriptor())
	require.NoError(t, err)
	_, err = mgr.Pause(ctx, sess.ID)
	require.NoError(t, err)

	ended, err := mgr.End(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, ended.Status)
}

func TestEndFailedSession(t *testing.T) {
	store := inmem.New()
	mgr := newManager(t, store, session.NewLockSet(), nil)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, analyticsDescriptor())
	require.NoError(t, err)
	_, err = store.Update(ctx, sess.ID, func(s *session.Session) error {
		s.Status = session.StatusFailed
		return nil
	})
	require.NoError(t, err)

	_, err = mgr.End(ctx, sess.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEndAppliesAfterInflightCycle(t *testing.T) {
	store := inmem.New()
	locks := session.NewLockSet()
	release := make(chan struct{})
	started := make(chan struct{})
	p := provider.Func(func(context.Context, string, provider.Request) (provider.Response, error) {
		close(started)
		<-release
		return provider.Response{Confidence: 1}, nil
	})
	exec, err := cycle.New(cycle.Options{
		Store: store,
		Locks: locks,
		Sets: map[session.Kind]cycle.CapabilitySet{
			session.KindAnalytics: {Name: "analytics-engine", Provider: p, Operations: []string{"trend"}},
		},
	})
	require.NoError(t, err)
	mgr := newManager(t, store, locks, nil)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, Descriptor{Kind: session.KindAnalytics, Targets: []string{"t"}})
	require.NoError(t, err)

	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		ok, err := exec.RunCycle(ctx, sess.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}()
	<-started

	endDone := make(chan session.Session, 1)
	go func() {
		ended, err := mgr.End(ctx, sess.ID)
		require.NoError(t, err)
		endDone <- ended
	}()

	// The end must wait for the in-flight cycle.
	select {
	case <-endDone:
		t.Fatal("end applied while a cycle was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-cycleDone
	ended := <-endDone
	require.Equal(t, session.StatusCompleted, ended.Status)
	require.Len(t, ended.Results, 1, "the in-flight cycle's mutation precedes the terminal transition")
}

func TestGetAndList(t *testing.T) {
	store := inmem.New()
	mgr := newManager(t, store, session.NewLockSet(), nil)
	ctx := context.Background()

	_, err := mgr.Get(ctx, "missing")
	require.ErrorIs(t, err, session.ErrNotFound)

	a, err := mgr.Create(ctx, Descriptor{Kind: session.KindAnalytics, Owner: "ops", Targets: []string{"t"}})
	require.NoError(t, err)
	b, err := mgr.Create(ctx, Descriptor{Kind: session.KindAutonomy, Owner: "ops", Targets: []string{"t"}})
	require.NoError(t, err)
	_, err = mgr.End(ctx, b.ID)
	require.NoError(t, err)

	got, err := mgr.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	active, err := mgr.List(ctx, session.Filter{Status: session.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a.ID, active[0].ID)

	all, err := mgr.List(ctx, session.Filter{Owner: "ops"})
	require.NoError(t, err)
	require.Len(t, all, 2)
}
