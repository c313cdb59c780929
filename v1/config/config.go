// Package config loads warden settings from an optional YAML file, a .env
// file and WARDEN_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Bus drivers.
const (
	BusInMemory = "inmemory"
	BusRedis    = "redis"
	BusNATS     = "nats"
	BusKafka    = "kafka"
)

// Rate limiter modes.
const (
	RateModeAtomic  = "atomic"
	RateModeTwoStep = "two_step"
)

type Config struct {
	App struct {
		// dev | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
		Service  string `yaml:"service"`
	} `yaml:"app"`

	Store struct {
		Driver    string `yaml:"driver"`
		Namespace string `yaml:"namespace"`
		Redis     struct {
			Addr     string        `yaml:"addr"`
			Password string        `yaml:"password"`
			DB       int           `yaml:"db"`
			Timeout  time.Duration `yaml:"timeout"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Locks struct {
		LeaseTTL          time.Duration `yaml:"lease_ttl"`
		AllowLeakyUpdates bool          `yaml:"allow_leaky_updates"`
	} `yaml:"locks"`

	Cache struct {
		TTL       time.Duration `yaml:"ttl"`
		IdleReset bool          `yaml:"idle_reset"`
		NearCache struct {
			Enabled bool          `yaml:"enabled"`
			TTL     time.Duration `yaml:"ttl"`
		} `yaml:"near_cache"`
	} `yaml:"cache"`

	RateLimit struct {
		Limit  int64         `yaml:"limit"`
		Window time.Duration `yaml:"window"`
		Mode   string        `yaml:"mode"`
		// Smoothing puts a local token bucket in front of the shared
		// counter. Disabled while RPS is zero.
		Smoothing struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"smoothing"`
	} `yaml:"rate_limit"`

	Bus struct {
		Driver       string   `yaml:"driver"`
		Channel      string   `yaml:"channel"`
		NATSURL      string   `yaml:"nats_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		Breaker      struct {
			Threshold int           `yaml:"threshold"`
			Timeout   time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"bus"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	c.App.Env = "dev"
	c.App.LogLevel = "info"
	c.App.Service = "warden"
	c.Store.Driver = StoreRedis
	c.Store.Redis.Addr = "localhost:6379"
	c.Store.Redis.Timeout = 5 * time.Second
	c.Locks.LeaseTTL = 10 * time.Second
	c.Cache.TTL = 5 * time.Minute
	c.Cache.IdleReset = true
	c.Cache.NearCache.TTL = 5 * time.Second
	c.RateLimit.Limit = 3
	c.RateLimit.Window = time.Minute
	c.RateLimit.Mode = RateModeAtomic
	c.Bus.Driver = BusRedis
	c.Bus.Channel = "notification-channel"
	c.Bus.Breaker.Threshold = 5
	c.Bus.Breaker.Timeout = 10 * time.Second
	return &c
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty), the given env files (".env" when none; missing files are
// ignored) and finally WARDEN_* variables. The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set in the process
		_ = godotenv.Load(f)
	}
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case BusInMemory, BusRedis, BusNATS, BusKafka:
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}
	switch c.RateLimit.Mode {
	case RateModeAtomic, RateModeTwoStep:
	default:
		return fmt.Errorf("config: unknown rate limit mode %q", c.RateLimit.Mode)
	}
	if c.Locks.LeaseTTL <= 0 {
		return fmt.Errorf("config: locks.lease_ttl must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache.ttl must be positive")
	}
	if c.Cache.NearCache.Enabled && c.Cache.NearCache.TTL <= 0 {
		return fmt.Errorf("config: cache.near_cache.ttl must be positive")
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("config: rate_limit.limit must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: rate_limit.window must be positive")
	}
	if c.RateLimit.Smoothing.RPS < 0 {
		return fmt.Errorf("config: rate_limit.smoothing.rps must not be negative")
	}
	if c.RateLimit.Smoothing.RPS > 0 && c.RateLimit.Smoothing.Burst <= 0 {
		return fmt.Errorf("config: rate_limit.smoothing.burst must be positive")
	}
	if c.Bus.Channel == "" {
		return fmt.Errorf("config: bus.channel must not be empty")
	}
	if c.Store.Driver == StoreMemory && c.Bus.Driver == BusRedis {
		return fmt.Errorf("config: the redis bus needs the redis store")
	}
	if c.Bus.Driver == BusNATS && c.Bus.NATSURL == "" {
		return fmt.Errorf("config: bus.nats_url is required for the nats bus")
	}
	if c.Bus.Driver == BusKafka && len(c.Bus.KafkaBrokers) == 0 {
		return fmt.Errorf("config: bus.kafka_brokers is required for the kafka bus")
	}
	return nil
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int64, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("WARDEN_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("WARDEN_LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}

	// STORE
	if v, ok := getEnvStr("WARDEN_STORE_DRIVER"); ok {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("WARDEN_NAMESPACE"); ok {
		c.Store.Namespace = v
	}
	if v, ok := getEnvStr("WARDEN_REDIS_ADDR"); ok {
		c.Store.Redis.Addr = v
	}
	if v, ok := getEnvStr("WARDEN_REDIS_PASSWORD"); ok {
		c.Store.Redis.Password = v
	}
	if v, ok := getEnvInt("WARDEN_REDIS_DB"); ok {
		c.Store.Redis.DB = int(v)
	}

	// LOCKS
	if v, ok := getEnvDur("WARDEN_LOCK_LEASE_TTL"); ok {
		c.Locks.LeaseTTL = v
	}
	if v, ok := getEnvBool("WARDEN_ALLOW_LEAKY_UPDATES"); ok {
		c.Locks.AllowLeakyUpdates = v
	}

	// CACHE
	if v, ok := getEnvDur("WARDEN_CACHE_TTL"); ok {
		c.Cache.TTL = v
	}
	if v, ok := getEnvBool("WARDEN_CACHE_IDLE_RESET"); ok {
		c.Cache.IdleReset = v
	}
	if v, ok := getEnvBool("WARDEN_NEAR_CACHE"); ok {
		c.Cache.NearCache.Enabled = v
	}
	if v, ok := getEnvDur("WARDEN_NEAR_CACHE_TTL"); ok {
		c.Cache.NearCache.TTL = v
	}

	// RATE LIMIT
	if v, ok := getEnvInt("WARDEN_RATE_LIMIT"); ok {
		c.RateLimit.Limit = v
	}
	if v, ok := getEnvDur("WARDEN_RATE_WINDOW"); ok {
		c.RateLimit.Window = v
	}
	if v, ok := getEnvStr("WARDEN_RATE_MODE"); ok {
		c.RateLimit.Mode = strings.ToLower(v)
	}
	if v, ok := getEnvFloat("WARDEN_RATE_SMOOTHING_RPS"); ok {
		c.RateLimit.Smoothing.RPS = v
	}
	if v, ok := getEnvInt("WARDEN_RATE_SMOOTHING_BURST"); ok {
		c.RateLimit.Smoothing.Burst = int(v)
	}

	// BUS
	if v, ok := getEnvStr("WARDEN_BUS_DRIVER"); ok {
		c.Bus.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("WARDEN_NOTIFY_CHANNEL"); ok {
		c.Bus.Channel = v
	}
	if v, ok := getEnvStr("WARDEN_NATS_URL"); ok {
		c.Bus.NATSURL = v
	}
	if v, ok := getEnvCSV("WARDEN_KAFKA_BROKERS"); ok {
		c.Bus.KafkaBrokers = v
	}

	// POSTGRES
	if v, ok := getEnvStr("WARDEN_POSTGRES_DSN"); ok {
		c.Postgres.DSN = v
	}
}
