// Package core runs coordinated updates: take a lease on the resource key,
// apply the mutation, invalidate the affected cache entries and give the
// lease back. Each run is an explicit state machine whose transitions are
// reported to observers.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/logger"
)

// State is a step of a coordinated update.
type State int

const (
	StateIdle State = iota
	StateLockAcquiring
	StateLocked
	StateMutating
	StatePersisted
	StateInvalidated
	StateUnlocked
	StateError
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateLockAcquiring: "lock_acquiring",
	StateLocked:        "locked",
	StateMutating:      "mutating",
	StatePersisted:     "persisted",
	StateInvalidated:   "invalidated",
	StateUnlocked:      "unlocked",
	StateError:         "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Policy decides whether a run gives its lease back.
type Policy int

const (
	// ReleaseStrict releases the lease on every exit path.
	ReleaseStrict Policy = iota
	// ReleaseLeaky never releases; the lease is reclaimed only when its TTL
	// runs out. Used to exercise expiry as the recovery path.
	ReleaseLeaky
)

func (p Policy) String() string {
	if p == ReleaseLeaky {
		return "leaky"
	}
	return "strict"
}

// DefaultLeaseTTL is used when a Request carries no LeaseTTL.
const DefaultLeaseTTL = 10 * time.Second

// Locker is the part of the lock manager a Coordinator needs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Invalidation removes cache state made stale by a mutation.
type Invalidation struct {
	// Target names what is invalidated, for logs and errors.
	Target string
	Run    func(ctx context.Context) error
}

// Request describes one coordinated update.
type Request struct {
	LockKey       string
	LeaseTTL      time.Duration
	Policy        Policy
	Invalidations []Invalidation
}

// Mutation reads, changes and persists the resource. It runs while the lease
// is held and is not cancelled by the caller's context.
type Mutation[T any] func(ctx context.Context) (T, error)

// Observer is told about every state transition of every run.
type Observer func(runID string, from, to State)

// Coordinator runs coordinated updates against a Locker.
type Coordinator struct {
	locks     Locker
	leaseTTL  time.Duration
	observers []Observer
	log       *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver adds o to the transition observers.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithDefaultLeaseTTL sets the lease TTL for requests that carry none.
func WithDefaultLeaseTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.leaseTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator returns a Coordinator taking its leases from locks.
func NewCoordinator(locks Locker, opts ...Option) *Coordinator {
	c := &Coordinator{locks: locks, leaseTTL: DefaultLeaseTTL}
	for _, o := range opts {
		o(c)
	}
	c.log = logger.OrNop(c.log).Named("core")
	return c
}
