package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	require.Equal(t, "localhost:6379", c.Store.Redis.Addr)
	require.Equal(t, 10*time.Second, c.Locks.LeaseTTL)
	require.Equal(t, 5*time.Minute, c.Cache.TTL)
	require.True(t, c.Cache.IdleReset)
	require.EqualValues(t, 3, c.RateLimit.Limit)
	require.Equal(t, time.Minute, c.RateLimit.Window)
	require.Equal(t, RateModeAtomic, c.RateLimit.Mode)
	require.Equal(t, BusRedis, c.Bus.Driver)
	require.Equal(t, "notification-channel", c.Bus.Channel)
	require.False(t, c.Locks.AllowLeakyUpdates)
	require.Equal(t, "dev", c.App.Env)
	require.Equal(t, "info", c.App.LogLevel)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	p := writeFile(t, "warden.yaml", `
locks:
  lease_ttl: 30s
  allow_leaky_updates: true
cache:
  idle_reset: false
rate_limit:
  limit: 10
  mode: two_step
  smoothing:
    rps: 2.5
    burst: 4
`)
	c, err := Load(p, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, c.Locks.LeaseTTL)
	require.True(t, c.Locks.AllowLeakyUpdates)
	require.False(t, c.Cache.IdleReset)
	require.EqualValues(t, 10, c.RateLimit.Limit)
	require.Equal(t, RateModeTwoStep, c.RateLimit.Mode)
	require.Equal(t, 2.5, c.RateLimit.Smoothing.RPS)
	require.Equal(t, 4, c.RateLimit.Smoothing.Burst)
	// untouched keys keep their defaults
	require.Equal(t, 5*time.Minute, c.Cache.TTL)
}

func TestEnvFileAndEnvironment(t *testing.T) {
	envFile := writeFile(t, ".env", "WARDEN_RATE_LIMIT=7\nWARDEN_NOTIFY_CHANNEL=from-file\n")
	t.Setenv("WARDEN_NOTIFY_CHANNEL", "from-env")
	t.Setenv("WARDEN_STORE_DRIVER", "memory")
	t.Setenv("WARDEN_BUS_DRIVER", "inmemory")
	t.Setenv("WARDEN_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("WARDEN_RATE_SMOOTHING_RPS", "0.5")
	t.Setenv("WARDEN_RATE_SMOOTHING_BURST", "2")
	t.Cleanup(func() { os.Unsetenv("WARDEN_RATE_LIMIT") })

	c, err := Load("", envFile)
	require.NoError(t, err)

	require.EqualValues(t, 7, c.RateLimit.Limit)
	require.Equal(t, "from-env", c.Bus.Channel, "process env wins over .env")
	require.Equal(t, StoreMemory, c.Store.Driver)
	require.Equal(t, []string{"a:9092", "b:9092"}, c.Bus.KafkaBrokers)
	require.Equal(t, 0.5, c.RateLimit.Smoothing.RPS)
	require.Equal(t, 2, c.RateLimit.Smoothing.Burst)
}

func TestMissingYAMLFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"store driver":  func(c *Config) { c.Store.Driver = "etcd" },
		"bus driver":    func(c *Config) { c.Bus.Driver = "mqtt" },
		"rate mode":     func(c *Config) { c.RateLimit.Mode = "sliding" },
		"lease ttl":     func(c *Config) { c.Locks.LeaseTTL = 0 },
		"cache ttl":     func(c *Config) { c.Cache.TTL = -time.Second },
		"limit":         func(c *Config) { c.RateLimit.Limit = 0 },
		"window":        func(c *Config) { c.RateLimit.Window = 0 },
		"channel":       func(c *Config) { c.Bus.Channel = "" },
		"smoothing rps": func(c *Config) { c.RateLimit.Smoothing.RPS = -1 },
		"smoothing burst": func(c *Config) {
			c.RateLimit.Smoothing.RPS = 1
			c.RateLimit.Smoothing.Burst = 0
		},
		"memory+redis":  func(c *Config) { c.Store.Driver = StoreMemory },
		"nats url":      func(c *Config) { c.Bus.Driver = BusNATS },
		"kafka brokers": func(c *Config) { c.Bus.Driver = BusKafka },
		"near ttl": func(c *Config) {
			c.Cache.NearCache.Enabled = true
			c.Cache.NearCache.TTL = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}
