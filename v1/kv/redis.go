package kv

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var deleteIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var incrAndExpireScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// In cluster mode both keys must share a hash slot; callers use hash tags.
var setIfEqualScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    cur = ""
end
if cur ~= ARGV[1] then
    return 0
end
if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
    redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// Redis implements Store on top of go-redis.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls. Non-positive
// values keep the default.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedis returns a Store backed by the given client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, timeout: o.timeout}
}

// Client exposes the underlying client, e.g. to share it with a RedisBus.
func (s *Redis) Client() redis.UniversalClient { return s.client }

func (s *Redis) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return wardenerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return wardenerrors.ErrConnectionClosed
	default:
		return err
	}
}

func ttlArg(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return data, true, nil
}

// Set implements Store.Set.
func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Set(cctx, key, value, ttlArg(ttl)).Err())
}

// SetNX implements Store.SetNX.
func (s *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttlArg(ttl)).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// Delete implements Store.Delete.
func (s *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, keys...).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// DeleteIfEqual implements Store.DeleteIfEqual.
func (s *Redis) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := deleteIfEqualScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// Incr implements Store.Incr.
func (s *Redis) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Incr(cctx, key).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// Expire implements Store.Expire.
func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.PExpire(cctx, key, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// IncrAndExpire implements Store.IncrAndExpire with a single Lua script.
func (s *Redis) IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := incrAndExpireScript.Run(cctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// TTL implements Store.TTL.
func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, mapErr(err)
	}
	switch d {
	case -1:
		return NoExpiry, nil
	case -2:
		return Missing, nil
	}
	return d, nil
}

// Scan implements Store.Scan by iterating SCAN cursors.
func (s *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// SetIfEqual implements Store.SetIfEqual with a single Lua script.
func (s *Redis) SetIfEqual(ctx context.Context, guardKey string, guard []byte, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := setIfEqualScript.Run(cctx, s.client, []string{guardKey, key}, guard, value, ttlArg(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// Ping implements Store.Ping.
func (s *Redis) Ping(ctx context.Context) error {
	cctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Ping(cctx).Err())
}
