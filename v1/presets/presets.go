// Package presets builds a ready-to-use warden graph from a config.Config.
package presets

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/cache"
	"github.com/mirkobrombin/go-warden/v1/config"
	"github.com/mirkobrombin/go-warden/v1/kv"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/notify"
	"github.com/mirkobrombin/go-warden/v1/ratelimit"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
	"github.com/mirkobrombin/go-warden/v1/users"
)

// Warden is the wired component graph.
type Warden struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     kv.Store
	Bus       syncbus.Bus
	Locks     *lock.Manager
	Cache     *cache.Layer
	Limiter   *ratelimit.FixedWindow
	// Smoother is set when rate_limit.smoothing is enabled; it wraps Limiter
	// in front of user creation.
	Smoother  *ratelimit.Smoothed
	Publisher *notify.Publisher
	Listener  *notify.Listener
	Users     *users.Service

	closers []func() error
}

// Option adjusts how New builds the graph.
type Option func(*buildOptions)

type buildOptions struct {
	log    *zap.Logger
	client redis.UniversalClient
	repo   adapter.UserRepository
}

// WithLogger uses l instead of a logger built from the config.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.log = l }
}

// WithRedisClient uses client instead of dialing store.redis.addr.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *buildOptions) { o.client = client }
}

// WithRepository uses repo instead of Postgres or the in-memory repository.
func WithRepository(repo adapter.UserRepository) Option {
	return func(o *buildOptions) { o.repo = repo }
}

// New builds the graph described by cfg. On error every resource opened so
// far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (w *Warden, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o buildOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, Service: cfg.App.Service})
	}

	w = &Warden{Config: cfg, Log: o.log}
	defer func() {
		if err != nil {
			_ = w.Close()
			w = nil
		}
	}()

	var client redis.UniversalClient
	if cfg.Store.Driver == config.StoreRedis {
		client = o.client
		if client == nil {
			c := redis.NewClient(&redis.Options{
				Addr:     cfg.Store.Redis.Addr,
				Password: cfg.Store.Redis.Password,
				DB:       cfg.Store.Redis.DB,
			})
			w.closers = append(w.closers, c.Close)
			client = c
		}
		w.Store = kv.NewRedis(client, kv.WithTimeout(cfg.Store.Redis.Timeout))
	} else {
		m := kv.NewMemory(time.Minute)
		w.closers = append(w.closers, func() error { m.Close(); return nil })
		w.Store = m
	}
	if err := w.Store.Ping(ctx); err != nil {
		return w, fmt.Errorf("presets: store: %w", err)
	}

	bus, err := w.newBus(cfg, client)
	if err != nil {
		return w, fmt.Errorf("presets: bus: %w", err)
	}
	if cfg.Bus.Breaker.Threshold > 0 {
		bus = syncbus.NewCircuitBreaker(bus, cfg.Bus.Breaker.Threshold, cfg.Bus.Breaker.Timeout)
	}
	w.Bus = bus

	ns := cfg.Store.Namespace
	if ns != "" {
		ns += ":"
	}
	w.Locks = lock.NewManager(w.Store, lock.WithNamespace(ns), lock.WithBus(w.Bus), lock.WithLogger(o.log))

	layerOpts := []cache.LayerOption{cache.WithNamespace(ns), cache.WithLogger(o.log)}
	if cfg.Cache.NearCache.Enabled {
		layerOpts = append(layerOpts, cache.WithNearCache(cfg.Cache.NearCache.TTL, w.Bus))
	}
	w.Cache, err = cache.NewLayer(w.Store, layerOpts...)
	if err != nil {
		return w, fmt.Errorf("presets: cache: %w", err)
	}
	w.closers = append(w.closers, func() error { w.Cache.Close(); return nil })

	mode, err := ratelimit.ParseMode(cfg.RateLimit.Mode)
	if err != nil {
		return w, err
	}
	w.Limiter = ratelimit.NewFixedWindow(w.Store,
		ratelimit.WithMode(mode),
		ratelimit.WithNamespace(ns),
		ratelimit.WithDefaults(cfg.RateLimit.Limit, cfg.RateLimit.Window),
		ratelimit.WithLogger(o.log),
	)

	var admit ratelimit.Allower = w.Limiter
	if sm := cfg.RateLimit.Smoothing; sm.RPS > 0 {
		w.Smoother = ratelimit.NewSmoothed(w.Limiter, sm.RPS, sm.Burst)
		jctx, stop := context.WithCancel(context.Background())
		w.Smoother.StartJanitor(jctx, time.Minute)
		w.closers = append(w.closers, func() error { stop(); return nil })
		admit = w.Smoother
	}

	w.Publisher = notify.NewPublisher(w.Bus, notify.WithLogger(o.log))
	w.Listener = notify.NewListener(w.Bus, notify.WithLogger(o.log))

	repo := o.repo
	if repo == nil {
		repo, err = w.newRepository(ctx, cfg)
		if err != nil {
			return w, fmt.Errorf("presets: repository: %w", err)
		}
	}

	w.Users = users.NewService(repo, w.Cache, w.Locks, admit,
		users.WithLeakyUpdates(cfg.Locks.AllowLeakyUpdates),
		users.WithPublisher(w.Publisher, cfg.Bus.Channel),
		users.WithLeaseTTL(cfg.Locks.LeaseTTL),
		users.WithCacheTTL(cfg.Cache.TTL, cfg.Cache.IdleReset),
		users.WithLogger(o.log),
	)
	return w, nil
}

func (w *Warden) newBus(cfg *config.Config, client redis.UniversalClient) (syncbus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.BusRedis:
		b := syncbus.NewRedisBus(client)
		w.closers = append(w.closers, b.Close)
		return b, nil
	case config.BusNATS:
		conn, err := nats.Connect(cfg.Bus.NATSURL)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, func() error { conn.Close(); return nil })
		return syncbus.NewNATSBus(conn), nil
	case config.BusKafka:
		b, err := syncbus.NewKafkaBus(cfg.Bus.KafkaBrokers, nil)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, func() error { b.Close(); return nil })
		return b, nil
	default:
		return syncbus.NewInMemoryBus(), nil
	}
}

func (w *Warden) newRepository(ctx context.Context, cfg *config.Config) (adapter.UserRepository, error) {
	if cfg.Postgres.DSN == "" {
		return adapter.NewInMemoryUserRepository(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func() error { pool.Close(); return nil })
	repo := adapter.NewPostgresUserRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// Close releases every resource opened by New, newest first.
func (w *Warden) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return stdErrors.Join(errs...)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis builds a graph that keeps locks, cache, counters and pub/sub in
// the Redis at opts.Addr, with an in-memory user repository.
func NewRedis(ctx context.Context, opts RedisOptions, extra ...Option) (*Warden, error) {
	cfg := config.Default()
	cfg.Store.Redis.Addr = opts.Addr
	cfg.Store.Redis.Password = opts.Password
	cfg.Store.Redis.DB = opts.DB
	return New(ctx, cfg, extra...)
}

// NewInMemoryStandalone builds a graph with no external dependencies. Useful
// for local development and tests.
func NewInMemoryStandalone(ctx context.Context, extra ...Option) (*Warden, error) {
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Bus.Driver = config.BusInMemory
	return New(ctx, cfg, extra...)
}
