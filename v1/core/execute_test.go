package core

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-warden/v1/cache"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/kv"
	"github.com/mirkobrombin/go-warden/v1/lock"
)

type env struct {
	mr    *miniredis.Miniredis
	store kv.Store
	locks *lock.Manager
	layer *cache.Layer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedis(client)
	layer, err := cache.NewLayer(store)
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	t.Cleanup(func() {
		layer.Close()
		_ = client.Close()
		mr.Close()
	})
	return &env{mr: mr, store: store, locks: lock.NewManager(store), layer: layer}
}

type recorder struct {
	mu    sync.Mutex
	trail []State
}

func (r *recorder) observe(_ string, _, to State) {
	r.mu.Lock()
	r.trail = append(r.trail, to)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.trail...)
}

func sameStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStrictRunWalksEveryState(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	c := NewCoordinator(e.locks, WithObserver(rec.observe))

	v, err := Execute(context.Background(), c, Request{LockKey: "user_update_42"}, func(context.Context) (string, error) {
		if !e.mr.Exists("lock:user_update_42") {
			t.Error("mutation must run under the lease")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("execute: %q err %v", v, err)
	}
	want := []State{StateLockAcquiring, StateLocked, StateMutating, StatePersisted, StateInvalidated, StateUnlocked}
	if got := rec.states(); !sameStates(got, want) {
		t.Fatalf("unexpected trail %v", got)
	}
	if e.mr.Exists("lock:user_update_42") {
		t.Fatal("lease should be released")
	}
}

func TestDefaultLeaseTTL(t *testing.T) {
	e := newEnv(t)
	c := NewCoordinator(e.locks, WithDefaultLeaseTTL(7*time.Second))
	_, _ = Execute(context.Background(), c, Request{LockKey: "k"}, func(context.Context) (int, error) {
		if ttl := e.mr.TTL("lock:k"); ttl != 7*time.Second {
			t.Errorf("expected 7s lease, got %v", ttl)
		}
		return 0, nil
	})
}

func TestConcurrentUpdatesOnSameResource(t *testing.T) {
	e := newEnv(t)
	byID := cache.NewFamily[string](e.layer, "userById")
	ctx := context.Background()
	_, _ = byID.GetOrLoad(ctx, "42", func(context.Context) (string, error) { return "old", nil })

	// two instances sharing the store
	a := NewCoordinator(lock.NewManager(e.store))
	b := NewCoordinator(lock.NewManager(e.store))

	inMutation := make(chan struct{})
	finish := make(chan struct{})
	var mutations atomic.Int32
	invalidations := &atomic.Int32{}
	req := Request{
		LockKey: "user_update_42",
		Invalidations: []Invalidation{{
			Target: "userById/42",
			Run: func(ctx context.Context) error {
				invalidations.Add(1)
				return byID.Invalidate(ctx, "42")
			},
		}},
	}

	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, a, req, func(context.Context) (string, error) {
			mutations.Add(1)
			close(inMutation)
			<-finish
			return "new", nil
		})
		done <- err
	}()
	<-inMutation

	rec := &recorder{}
	b.observers = append(b.observers, rec.observe)
	_, err := Execute(ctx, b, req, func(context.Context) (string, error) {
		mutations.Add(1)
		return "other", nil
	})
	if !stdErrors.Is(err, wardenerrors.ErrLockUnavailable) {
		t.Fatalf("loser should see LockUnavailable, got %v", err)
	}
	if got := rec.states(); !sameStates(got, []State{StateLockAcquiring, StateError}) {
		t.Fatalf("loser trail %v", got)
	}
	if invalidations.Load() != 0 {
		t.Fatal("loser must not touch the cache")
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("winner: %v", err)
	}
	if mutations.Load() != 1 || invalidations.Load() != 1 {
		t.Fatalf("mutations %d invalidations %d", mutations.Load(), invalidations.Load())
	}
	v, _ := byID.GetOrLoad(ctx, "42", func(context.Context) (string, error) { return "new", nil })
	if v != "new" {
		t.Fatalf("pre-update value served after update: %q", v)
	}
}

func TestStrictReleasesOnMutationFailure(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	c := NewCoordinator(e.locks, WithObserver(rec.observe))
	boom := stdErrors.New("unique violation")
	invalidated := false

	_, err := Execute(context.Background(), c, Request{
		LockKey:       "k",
		Invalidations: []Invalidation{{Target: "x", Run: func(context.Context) error { invalidated = true; return nil }}},
	}, func(context.Context) (int, error) { return 0, boom })

	if !stdErrors.Is(err, wardenerrors.ErrUpdateFailed) || !stdErrors.Is(err, boom) {
		t.Fatalf("expected UpdateFailed wrapping cause, got %v", err)
	}
	if invalidated {
		t.Fatal("no invalidation after a failed mutation")
	}
	if e.mr.Exists("lock:k") {
		t.Fatal("strict policy must release on failure")
	}
	states := rec.states()
	if states[len(states)-1] != StateError {
		t.Fatalf("expected error final state, got %v", states)
	}
}

func TestNotFoundPassesThrough(t *testing.T) {
	e := newEnv(t)
	c := NewCoordinator(e.locks)
	_, err := Execute(context.Background(), c, Request{LockKey: "k"}, func(context.Context) (int, error) {
		return 0, fmt.Errorf("user 7: %w", wardenerrors.ErrNotFound)
	})
	if !stdErrors.Is(err, wardenerrors.ErrNotFound) || stdErrors.Is(err, wardenerrors.ErrUpdateFailed) {
		t.Fatalf("expected plain NotFound, got %v", err)
	}
	if e.mr.Exists("lock:k") {
		t.Fatal("lease should be released")
	}
}

func TestInvalidationFailureIsUpdateFailed(t *testing.T) {
	e := newEnv(t)
	c := NewCoordinator(e.locks)
	cacheDown := stdErrors.New("cache down")
	_, err := Execute(context.Background(), c, Request{
		LockKey:       "k",
		Invalidations: []Invalidation{{Target: "userList", Run: func(context.Context) error { return cacheDown }}},
	}, func(context.Context) (int, error) { return 1, nil })
	if !stdErrors.Is(err, wardenerrors.ErrUpdateFailed) || !stdErrors.Is(err, cacheDown) {
		t.Fatalf("expected UpdateFailed, got %v", err)
	}
	if e.mr.Exists("lock:k") {
		t.Fatal("lease should be released")
	}
}

func TestLeakyRunKeepsLeaseUntilExpiry(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	c := NewCoordinator(e.locks, WithObserver(rec.observe))
	ctx := context.Background()
	req := Request{LockKey: "user_update_42", LeaseTTL: 10 * time.Second, Policy: ReleaseLeaky}

	if _, err := Execute(ctx, c, req, func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}
	states := rec.states()
	if states[len(states)-1] != StateInvalidated {
		t.Fatalf("leaky run must stop before unlocking, got %v", states)
	}
	if !e.mr.Exists("lock:user_update_42") {
		t.Fatal("leaky run must leave the lease in place")
	}

	other := NewCoordinator(lock.NewManager(e.store))
	if _, err := Execute(ctx, other, Request{LockKey: "user_update_42"}, func(context.Context) (int, error) { return 2, nil }); !stdErrors.Is(err, wardenerrors.ErrLockUnavailable) {
		t.Fatalf("expected LockUnavailable while leaked, got %v", err)
	}

	e.mr.FastForward(11 * time.Second)
	if _, err := Execute(ctx, other, Request{LockKey: "user_update_42"}, func(context.Context) (int, error) { return 3, nil }); err != nil {
		t.Fatalf("lease should be reclaimed after ttl: %v", err)
	}
}

func TestLeaseExpiredBeforeRelease(t *testing.T) {
	e := newEnv(t)
	c := NewCoordinator(e.locks)
	v, err := Execute(context.Background(), c, Request{LockKey: "k", LeaseTTL: time.Second}, func(context.Context) (int, error) {
		e.mr.FastForward(2 * time.Second)
		return 9, nil
	})
	if !stdErrors.Is(err, wardenerrors.ErrNotHeldByCaller) {
		t.Fatalf("expected NotHeldByCaller, got %v", err)
	}
	if v != 9 {
		t.Fatalf("committed value should still be returned, got %d", v)
	}
}

func TestMutationOutlivesCallerCancellation(t *testing.T) {
	e := newEnv(t)
	c := NewCoordinator(e.locks)
	ctx, cancel := context.WithCancel(context.Background())

	v, err := Execute(ctx, c, Request{LockKey: "k"}, func(mctx context.Context) (int, error) {
		cancel()
		if mctx.Err() != nil {
			return 0, mctx.Err()
		}
		return 1, nil
	})
	if err != nil || v != 1 {
		t.Fatalf("mutation should complete, v %d err %v", v, err)
	}
	if e.mr.Exists("lock:k") {
		t.Fatal("lease should be released after cancellation")
	}
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, bool, error) {
	return lock.Lease{}, false, wardenerrors.ErrTimeout
}

func (brokenLocker) Release(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestStoreFailureOnAcquire(t *testing.T) {
	c := NewCoordinator(brokenLocker{})
	called := false
	_, err := Execute(context.Background(), c, Request{LockKey: "k"}, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if !stdErrors.Is(err, wardenerrors.ErrTimeout) || called {
		t.Fatalf("expected timeout without mutation, got %v called %v", err, called)
	}
}

func TestInvalidationHelpers(t *testing.T) {
	e := newEnv(t)
	byID := cache.NewFamily[string](e.layer, "userById")
	list := cache.NewFamily[[]string](e.layer, "userList")
	ctx := context.Background()
	_, _ = byID.GetOrLoad(ctx, "1", func(context.Context) (string, error) { return "a", nil })
	_, _ = list.GetOrLoad(ctx, "all", func(context.Context) ([]string, error) { return []string{"a"}, nil })

	c := NewCoordinator(e.locks)
	_, err := Execute(ctx, c, Request{
		LockKey:       "user_update_1",
		Invalidations: []Invalidation{InvalidateEntry(byID, "1"), InvalidateFamily(list)},
	}, func(context.Context) (int, error) { return 0, nil })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if e.mr.Exists("cache:{userById}::1") || e.mr.Exists("cache:{userList}::all") {
		t.Fatalf("entries should be invalidated, have %v", e.mr.Keys())
	}
}

func TestExecuteSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	e := newEnv(t)
	c := NewCoordinator(e.locks)
	_, _ = Execute(context.Background(), c, Request{LockKey: "k"}, func(context.Context) (int, error) { return 0, nil })

	for _, s := range sr.Ended() {
		if s.Name() == "core.Execute" {
			return
		}
	}
	t.Fatal("expected a core.Execute span")
}

func TestStateAndPolicyNames(t *testing.T) {
	if StateUnlocked.String() != "unlocked" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
	if ReleaseStrict.String() != "strict" || ReleaseLeaky.String() != "leaky" {
		t.Fatal("unexpected policy names")
	}
}
