package kv

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory implements Store in process memory. It is meant for single-instance
// runs and tests; it offers the same atomicity guarantees as Redis within
// one process only.
type Memory struct {
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemory returns an empty Memory store. Expired keys are purged every
// cleanupInterval; lookups never return expired keys regardless.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func memTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (m *Memory) load(key string) ([]byte, time.Time, bool) {
	v, exp, ok := m.c.GetWithExpiration(key)
	if !ok {
		return nil, time.Time{}, false
	}
	b, _ := v.([]byte)
	return b, exp, true
}

// remaining converts an absolute expiration back to a ttl usable by Set.
func remaining(exp time.Time) time.Duration {
	if exp.IsZero() {
		return gocache.NoExpiration
	}
	d := time.Until(exp)
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _, ok := m.load(key)
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

// Set implements Store.Set.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	m.mu.Lock()
	m.c.Set(key, clone(value), memTTL(ttl))
	m.mu.Unlock()
	return nil
}

// SetNX implements Store.SetNX.
func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.c.Add(key, clone(value), memTTL(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete implements Store.Delete.
func (m *Memory) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, _, ok := m.load(k); ok {
			n++
		}
		m.c.Delete(k)
	}
	return n, nil
}

// DeleteIfEqual implements Store.DeleteIfEqual.
func (m *Memory) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _, ok := m.load(key)
	if !ok || !bytes.Equal(cur, expected) {
		return false, nil
	}
	m.c.Delete(key)
	return true, nil
}

func (m *Memory) incr(key string) (int64, bool, error) {
	cur, exp, ok := m.load(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("kv: value at %q is not an integer", key)
		}
		n = v
	}
	n++
	ttl := gocache.NoExpiration
	if ok {
		ttl = remaining(exp)
	}
	m.c.Set(key, []byte(strconv.FormatInt(n, 10)), ttl)
	return n, ok, nil
}

// Incr implements Store.Incr. An existing expiration is preserved.
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _, err := m.incr(key)
	return n, err
}

// Expire implements Store.Expire.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _, ok := m.load(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		m.c.Delete(key)
		return true, nil
	}
	m.c.Set(key, cur, ttl)
	return true, nil
}

// IncrAndExpire implements Store.IncrAndExpire.
func (m *Memory) IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _, err := m.incr(key)
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		cur, _, _ := m.load(key)
		m.c.Set(key, cur, ttl)
	}
	return n, nil
}

// TTL implements Store.TTL.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exp, ok := m.load(key)
	if !ok {
		return Missing, nil
	}
	if exp.IsZero() {
		return NoExpiry, nil
	}
	return time.Until(exp), nil
}

// Scan implements Store.Scan. Patterns follow path.Match, which agrees with
// Redis globs for keys that contain no '/'.
func (m *Memory) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.c.Items() {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// SetIfEqual implements Store.SetIfEqual.
func (m *Memory) SetIfEqual(ctx context.Context, guardKey string, guard []byte, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _, _ := m.load(guardKey)
	if !bytes.Equal(cur, guard) {
		return false, nil
	}
	m.c.Set(key, clone(value), memTTL(ttl))
	return true, nil
}

// Ping implements Store.Ping.
func (m *Memory) Ping(ctx context.Context) error {
	return mapErr(ctx.Err())
}

// Close drops all items.
func (m *Memory) Close() {
	m.mu.Lock()
	m.c.Flush()
	m.mu.Unlock()
}
