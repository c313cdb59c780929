package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/kv"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// ErrInvalidTTL is returned by Acquire for a non-positive lease TTL.
var ErrInvalidTTL = errors.New("lock: lease ttl must be positive")

// KeyPrefix is prepended to every lock key in the store.
const KeyPrefix = "lock:"

// Lease describes a lock held by this process.
type Lease struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease TTL has elapsed at now. The store may
// already have reclaimed the key at that point.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager hands out leases. It remembers the tokens it obtained so that an
// administrative Unlock can release on behalf of this instance.
type Manager struct {
	store  kv.Store
	prefix string
	bus    syncbus.Bus
	log    *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]heldLease
}

// heldLease is a lease this Manager obtained and has not released yet.
type heldLease struct {
	token   string
	expires time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace prefixes every lock key with ns.
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.prefix = ns }
}

// WithBus publishes lock:<key> and unlock:<key> events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager backed by store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		tokens: make(map[string]heldLease),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logger.OrNop(m.log).Named("lock")
	return m
}

func (m *Manager) storeKey(key string) string {
	return m.prefix + KeyPrefix + key
}

// Acquire makes exactly one attempt to take key for ttl. The boolean is false
// when another holder owns the key; that is not an error and the caller
// decides whether to give up or try again later.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, ErrInvalidTTL
	}
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, m.storeKey(key), []byte(token), ttl)
	if err != nil {
		metrics.LockAcquireCounter.WithLabelValues("error").Inc()
		m.log.Warn("acquire failed", logger.LockKey(key), zap.Error(err))
		return Lease{}, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		metrics.LockAcquireCounter.WithLabelValues("unavailable").Inc()
		m.log.Debug("lock unavailable", logger.LockKey(key))
		return Lease{}, false, nil
	}

	now := m.now()
	lease := Lease{
		Key:        key,
		Token:      token,
		TTL:        ttl,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.mu.Lock()
	m.forgetExpired(now)
	if _, replaced := m.tokens[key]; !replaced {
		metrics.LocksHeldGauge.Inc()
	}
	m.tokens[key] = heldLease{token: token, expires: lease.ExpiresAt}
	m.mu.Unlock()

	metrics.LockAcquireCounter.WithLabelValues("acquired").Inc()
	m.log.Debug("lock acquired", logger.LockKey(key), logger.TTL(ttl))
	m.announce(ctx, "lock:"+key)
	return lease, true, nil
}

// Release deletes key only if it still carries token. The boolean is false
// when the caller does not hold the lock: the token is wrong, or the lease
// expired and the key is gone or owned by someone else.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := m.store.DeleteIfEqual(ctx, m.storeKey(key), []byte(token))
	if err != nil {
		metrics.LockReleaseCounter.WithLabelValues("error").Inc()
		m.log.Warn("release failed", logger.LockKey(key), zap.Error(err))
		return false, fmt.Errorf("lock: release %s: %w", key, err)
	}

	// the local token is stale either way once the store has answered
	m.mu.Lock()
	if h, ok := m.tokens[key]; ok && h.token == token {
		delete(m.tokens, key)
		metrics.LocksHeldGauge.Dec()
	}
	m.mu.Unlock()

	if !ok {
		metrics.LockReleaseCounter.WithLabelValues("not_held").Inc()
		m.log.Warn("release by non-holder", logger.LockKey(key))
		return false, nil
	}
	metrics.LockReleaseCounter.WithLabelValues("released").Inc()
	m.log.Debug("lock released", logger.LockKey(key))
	m.announce(ctx, "unlock:"+key)
	return true, nil
}

// Unlock releases key with the token this Manager obtained for it. It
// reports false when this instance holds no lease on key or the lease has
// since expired; it never deletes a lock held by someone else.
func (m *Manager) Unlock(ctx context.Context, key string) (bool, error) {
	token, held := m.Token(key)
	if !held {
		metrics.LockReleaseCounter.WithLabelValues("not_held").Inc()
		m.log.Warn("unlock without a local lease", logger.LockKey(key))
		return false, nil
	}
	return m.Release(ctx, key, token)
}

// Token returns the token this Manager last obtained for key, if its lease
// has not expired yet.
func (m *Manager) Token(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetExpired(m.now())
	h, ok := m.tokens[key]
	return h.token, ok
}

// Held returns the number of unexpired leases this Manager has not released.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetExpired(m.now())
	return len(m.tokens)
}

// forgetExpired drops leases whose TTL has elapsed without a release, such
// as those left behind by leaky updates. Callers hold m.mu.
func (m *Manager) forgetExpired(now time.Time) {
	for key, h := range m.tokens {
		if !now.Before(h.expires) {
			delete(m.tokens, key)
			metrics.LocksHeldGauge.Dec()
			m.log.Debug("forgot expired lease", logger.LockKey(key))
		}
	}
}

func (m *Manager) announce(ctx context.Context, channel string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, channel, nil); err != nil {
		m.log.Debug("lock event dropped", logger.Channel(channel), zap.Error(err))
	}
}
