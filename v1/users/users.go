// Package users is the user-facing surface of warden: reads go through the
// cache, writes go through the update coordinator, creations are rate
// limited per caller and every change is announced on the bus.
package users

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/cache"
	"github.com/mirkobrombin/go-warden/v1/core"
	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/notify"
	"github.com/mirkobrombin/go-warden/v1/ratelimit"
	"github.com/mirkobrombin/go-warden/v1/validator"
)

// Cache family names.
const (
	FamilyByID = "userById"
	FamilyList = "userList"
)

const listKey = "all"

// LockKey returns the lock guarding updates of user id.
func LockKey(id int64) string {
	return "user_update_" + strconv.FormatInt(id, 10)
}

// Changes lists the fields to update; nil fields are left untouched.
type Changes struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

func (c Changes) apply(u adapter.User) adapter.User {
	if c.Name != nil {
		u.Name = *c.Name
	}
	if c.Email != nil {
		u.Email = *c.Email
	}
	return u
}

// Unlocker is the administrative side of the lock manager.
type Unlocker interface {
	core.Locker
	Unlock(ctx context.Context, key string) (bool, error)
}

// Service manages users.
type Service struct {
	repo    adapter.UserRepository
	locks   Unlocker
	limiter ratelimit.Allower
	coord   *core.Coordinator
	byID    *cache.Family[adapter.User]
	list    *cache.Family[[]adapter.User]

	pub      *notify.Publisher
	channel  string
	leaky    bool
	leaseTTL time.Duration
	cacheTTL time.Duration
	idle     bool
	coordOpt []core.Option
	log      *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLeakyUpdates enables UpdateWithoutUnlock.
func WithLeakyUpdates(on bool) Option {
	return func(s *Service) { s.leaky = on }
}

// WithPublisher announces changes through pub on channel.
func WithPublisher(pub *notify.Publisher, channel string) Option {
	return func(s *Service) {
		s.pub = pub
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithLeaseTTL sets the lease taken by updates and deletes.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Service) { s.leaseTTL = d }
}

// WithCacheTTL sets the TTL of both cache families and whether hits re-arm it.
func WithCacheTTL(d time.Duration, idleReset bool) Option {
	return func(s *Service) {
		s.cacheTTL = d
		s.idle = idleReset
	}
}

// WithCoordinatorOptions forwards opts to the update coordinator.
func WithCoordinatorOptions(opts ...core.Option) Option {
	return func(s *Service) { s.coordOpt = append(s.coordOpt, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService wires a Service. limiter guards Create; layer hosts the
// userById and userList families.
func NewService(repo adapter.UserRepository, layer *cache.Layer, locks Unlocker, limiter ratelimit.Allower, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		locks:    locks,
		limiter:  limiter,
		channel:  notify.DefaultChannel,
		leaseTTL: core.DefaultLeaseTTL,
		cacheTTL: cache.DefaultTTL,
		idle:     true,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logger.OrNop(s.log).Named("users")
	copts := append([]core.Option{
		core.WithDefaultLeaseTTL(s.leaseTTL),
		core.WithLogger(s.log),
	}, s.coordOpt...)
	s.coord = core.NewCoordinator(locks, copts...)
	s.byID = cache.NewFamily[adapter.User](layer, FamilyByID,
		cache.WithTTL[adapter.User](s.cacheTTL), cache.WithIdleReset[adapter.User](s.idle))
	s.list = cache.NewFamily[[]adapter.User](layer, FamilyList,
		cache.WithTTL[[]adapter.User](s.cacheTTL), cache.WithIdleReset[[]adapter.User](s.idle))
	return s
}

// Get returns user id, from the cache when possible.
func (s *Service) Get(ctx context.Context, id int64) (adapter.User, error) {
	return s.byID.GetOrLoad(ctx, strconv.FormatInt(id, 10), func(ctx context.Context) (adapter.User, error) {
		return s.repo.Get(ctx, id)
	})
}

// List returns every user, from the cache when possible.
func (s *Service) List(ctx context.Context) ([]adapter.User, error) {
	return s.list.GetOrLoad(ctx, listKey, s.repo.List)
}

// Create stores u on behalf of identity. It fails with a
// *errors.RateLimitError when identity created too many users in the
// current window.
func (s *Service) Create(ctx context.Context, u adapter.User, identity string) (adapter.User, error) {
	d, err := s.limiter.Allow(ctx, identity)
	if err != nil {
		return adapter.User{}, fmt.Errorf("users: rate limit: %w", err)
	}
	if !d.Allowed {
		return adapter.User{}, &wardenerrors.RateLimitError{
			Identity:   identity,
			Count:      d.Count,
			Limit:      d.Limit,
			RetryAfter: d.RetryAfter,
		}
	}

	created, err := s.repo.Create(ctx, u)
	if err != nil {
		return adapter.User{}, err
	}
	if err := s.list.InvalidateAll(ctx); err != nil {
		s.log.Error("list invalidation failed", logger.Family(FamilyList), zap.Error(err))
		return created, stdErrors.Join(wardenerrors.ErrUpdateFailed, err)
	}
	s.announce(ctx, notify.KindUserCreated, created.ID, "User created: "+created.Name)
	return created, nil
}

func (s *Service) updateRequest(id int64, policy core.Policy) core.Request {
	return core.Request{
		LockKey: LockKey(id),
		Policy:  policy,
		Invalidations: []core.Invalidation{
			core.InvalidateEntry(s.byID, strconv.FormatInt(id, 10)),
			core.InvalidateFamily(s.list),
		},
	}
}

func (s *Service) update(ctx context.Context, id int64, changes Changes, policy core.Policy) (adapter.User, error) {
	u, err := core.Execute(ctx, s.coord, s.updateRequest(id, policy), func(ctx context.Context) (adapter.User, error) {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return adapter.User{}, err
		}
		return s.repo.Save(ctx, changes.apply(cur))
	})
	// a lease lost after commit still means the change is in place
	if err == nil || stdErrors.Is(err, wardenerrors.ErrNotHeldByCaller) {
		s.announce(ctx, notify.KindUserUpdated, id, "User updated: "+u.Name)
	}
	return u, err
}

// Update applies changes to user id while holding its update lock. It fails
// with errors.ErrLockUnavailable when another update of the same user is in
// flight.
func (s *Service) Update(ctx context.Context, id int64, changes Changes) (adapter.User, error) {
	return s.update(ctx, id, changes, core.ReleaseStrict)
}

// UpdateWithoutUnlock is Update without the final release: the lock stays
// held until its lease expires or Unlock is called. It returns
// errors.ErrLeakyDisabled unless the service was built WithLeakyUpdates.
func (s *Service) UpdateWithoutUnlock(ctx context.Context, id int64, changes Changes) (adapter.User, error) {
	if !s.leaky {
		return adapter.User{}, wardenerrors.ErrLeakyDisabled
	}
	return s.update(ctx, id, changes, core.ReleaseLeaky)
}

// Delete removes user id while holding its update lock.
func (s *Service) Delete(ctx context.Context, id int64) error {
	_, err := core.Execute(ctx, s.coord, s.updateRequest(id, core.ReleaseStrict), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.Delete(ctx, id)
	})
	if err == nil || stdErrors.Is(err, wardenerrors.ErrNotHeldByCaller) {
		s.announce(ctx, notify.KindUserDeleted, id, "User deleted: "+strconv.FormatInt(id, 10))
	}
	return err
}

// Unlock releases lockKey if this instance holds it. It returns
// errors.ErrNotHeldByCaller otherwise, leaving any other holder's lock in
// place.
func (s *Service) Unlock(ctx context.Context, lockKey string) error {
	ok, err := s.locks.Unlock(ctx, lockKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("users: unlock %s: %w", lockKey, wardenerrors.ErrNotHeldByCaller)
	}
	return nil
}

// Validator returns a checker comparing cached userById entries with the
// repository.
func (s *Service) Validator(mode validator.Mode, interval time.Duration) *validator.Validator[adapter.User] {
	source := func(ctx context.Context) (map[string]adapter.User, error) {
		all, err := s.repo.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]adapter.User, len(all))
		for _, u := range all {
			out[strconv.FormatInt(u.ID, 10)] = u
		}
		return out, nil
	}
	return validator.New(s.byID, source, mode, interval, validator.WithLogger(s.log))
}

func (s *Service) announce(ctx context.Context, kind string, id int64, msg string) {
	if s.pub == nil {
		return
	}
	// failures are logged by the publisher
	_ = s.pub.Publish(ctx, s.channel, notify.Notification{
		Message:    msg,
		Kind:       kind,
		ResourceID: strconv.FormatInt(id, 10),
	})
}
