package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/kv"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

func newStore(t *testing.T) (kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return kv.NewRedis(client), mr
}

func TestAcquireReleaseAcquire(t *testing.T) {
	store, _ := newStore(t)
	m := NewManager(store)
	ctx := context.Background()

	lease, ok, err := m.Acquire(ctx, "user_update_42", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if lease.Token == "" || lease.Key != "user_update_42" {
		t.Fatalf("unexpected lease %+v", lease)
	}
	if !lease.ExpiresAt.Equal(lease.AcquiredAt.Add(10 * time.Second)) {
		t.Fatalf("unexpected expiry %+v", lease)
	}
	released, err := m.Release(ctx, lease.Key, lease.Token)
	if err != nil || !released {
		t.Fatalf("release: %v err %v", released, err)
	}
	if _, ok, _ := m.Acquire(ctx, "user_update_42", 10*time.Second); !ok {
		t.Fatal("expected lock re-acquired after release")
	}
}

func TestAcquireIsExclusiveAcrossInstances(t *testing.T) {
	store, _ := newStore(t)
	a, b := NewManager(store), NewManager(store)
	ctx := context.Background()

	if _, ok, _ := a.Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("a should acquire")
	}
	lease, ok, err := b.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("unavailable is not an error: %v", err)
	}
	if ok || lease.Token != "" {
		t.Fatalf("b must see the lock unavailable, got %+v", lease)
	}
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	store, _ := newStore(t)
	m := NewManager(store)
	for _, ttl := range []time.Duration{0, -time.Second} {
		if _, _, err := m.Acquire(context.Background(), "k", ttl); err != ErrInvalidTTL {
			t.Fatalf("ttl %v: expected ErrInvalidTTL got %v", ttl, err)
		}
	}
}

func TestNotReentrant(t *testing.T) {
	store, _ := newStore(t)
	m := NewManager(store)
	ctx := context.Background()
	first, _, _ := m.Acquire(ctx, "k", time.Second)
	if _, ok, _ := m.Acquire(ctx, "k", time.Second); ok {
		t.Fatal("holder must not re-acquire its own lock")
	}
	if tok, _ := m.Token("k"); tok != first.Token {
		t.Fatal("failed re-acquire must not replace the held token")
	}
}

func TestReleaseWithWrongToken(t *testing.T) {
	store, _ := newStore(t)
	m := NewManager(store)
	ctx := context.Background()
	lease, _, _ := m.Acquire(ctx, "k", time.Second)

	if ok, err := m.Release(ctx, "k", "not-the-token"); err != nil || ok {
		t.Fatalf("wrong token must be NotHeldByCaller, ok %v err %v", ok, err)
	}
	if ok, _ := m.Release(ctx, "k", lease.Token); !ok {
		t.Fatal("holder release should still succeed")
	}
	if ok, _ := m.Release(ctx, "k", lease.Token); ok {
		t.Fatal("second release must report not held")
	}
}

func TestExpiryReclaimsAndStaleReleaseIsRejected(t *testing.T) {
	store, mr := newStore(t)
	a, b := NewManager(store), NewManager(store)
	ctx := context.Background()

	stale, _, _ := a.Acquire(ctx, "k", 10*time.Second)
	mr.FastForward(11 * time.Second)

	fresh, ok, err := b.Acquire(ctx, "k", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expired lease should be reclaimable, ok %v err %v", ok, err)
	}
	if ok, _ := a.Release(ctx, "k", stale.Token); ok {
		t.Fatal("expired holder must not release the new holder's lock")
	}
	if _, held := a.Token("k"); held {
		t.Fatal("stale local token should be forgotten")
	}
	if ok, _ := b.Release(ctx, "k", fresh.Token); !ok {
		t.Fatal("new holder should release")
	}
}

func TestUnreleasedLeaseIsForgottenAfterExpiry(t *testing.T) {
	store, mr := newStore(t)
	m := NewManager(store)
	clock := time.Now()
	m.now = func() time.Time { return clock }
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.LocksHeldGauge)

	// taken and never released, as a leaky update would
	if _, ok, _ := m.Acquire(ctx, "leaky", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	if got := testutil.ToFloat64(metrics.LocksHeldGauge); got != before+1 {
		t.Fatalf("gauge after acquire %v want %v", got, before+1)
	}

	clock = clock.Add(2 * time.Second)
	mr.FastForward(2 * time.Second)
	if _, held := m.Token("leaky"); held {
		t.Fatal("expired lease must not be reported as held")
	}
	if m.Held() != 0 {
		t.Fatalf("expected no held leases, got %d", m.Held())
	}
	if got := testutil.ToFloat64(metrics.LocksHeldGauge); got != before {
		t.Fatalf("gauge after expiry %v want %v", got, before)
	}

	// the gauge does not go negative when the key is taken again
	lease, ok, _ := m.Acquire(ctx, "leaky", time.Second)
	if !ok {
		t.Fatal("expired key should be free")
	}
	_, _ = m.Release(ctx, "leaky", lease.Token)
	if got := testutil.ToFloat64(metrics.LocksHeldGauge); got != before {
		t.Fatalf("gauge after release %v want %v", got, before)
	}
}

func TestUnlock(t *testing.T) {
	store, _ := newStore(t)
	holder, admin := NewManager(store), NewManager(store)
	ctx := context.Background()

	if ok, err := holder.Unlock(ctx, "k"); err != nil || ok {
		t.Fatalf("unlock with nothing held: ok %v err %v", ok, err)
	}
	_, _, _ = holder.Acquire(ctx, "k", time.Second)
	if ok, _ := admin.Unlock(ctx, "k"); ok {
		t.Fatal("another instance must not unlock a lock it does not hold")
	}
	if ok, _ := holder.Unlock(ctx, "k"); !ok {
		t.Fatal("holder unlock should succeed")
	}
	if _, ok, _ := admin.Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("lock should be free after unlock")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := NewManager(store).Acquire(ctx, "race", time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected one winner got %d", winners)
	}
}

func TestNamespaceIsolatesKeys(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	a := NewManager(store, WithNamespace("tenant-a:"))
	b := NewManager(store, WithNamespace("tenant-b:"))
	if _, ok, _ := a.Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("a should acquire")
	}
	if _, ok, _ := b.Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("b should acquire in its own namespace")
	}
	if !mr.Exists("tenant-a:lock:k") {
		t.Fatal("expected namespaced key in store")
	}
}

func TestEventsPublished(t *testing.T) {
	store, _ := newStore(t)
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	locked, _ := bus.Subscribe(ctx, "lock:k")
	unlocked, _ := bus.Subscribe(ctx, "unlock:k")

	m := NewManager(store, WithBus(bus))
	lease, _, _ := m.Acquire(ctx, "k", time.Second)
	_, _ = m.Release(ctx, "k", lease.Token)

	for _, ch := range []<-chan syncbus.Message{locked, unlocked} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for lock event")
		}
	}
}

func TestMemoryStoreLease(t *testing.T) {
	store := kv.NewMemory(time.Second)
	defer store.Close()
	m := NewManager(store)
	ctx := context.Background()

	if _, ok, _ := m.Acquire(ctx, "k", 20*time.Millisecond); !ok {
		t.Fatal("acquire")
	}
	if _, ok, _ := m.Acquire(ctx, "k", 20*time.Millisecond); ok {
		t.Fatal("should be held")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := NewManager(store).Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("lock should expire")
	}
}
