package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mirkobrombin/go-warden/v1/metrics"
)

// Smoothed puts a per-identity token bucket in front of another limiter so
// bursts are absorbed locally before they reach the shared counter. An
// attempt rejected by the bucket is not recorded by the inner limiter.
type Smoothed struct {
	next    Allower
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// SmoothedOption configures a Smoothed limiter.
type SmoothedOption func(*Smoothed)

// WithIdleTTL sets how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) SmoothedOption {
	return func(s *Smoothed) { s.idleTTL = d }
}

// NewSmoothed returns a Smoothed limiter refilling rps tokens per second up
// to burst, delegating admitted attempts to next.
func NewSmoothed(next Allower, rps float64, burst int, opts ...SmoothedOption) *Smoothed {
	s := &Smoothed{
		next:    next,
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		now:     time.Now,
		entries: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Smoothed) limiter(identity string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.entries[identity]; ok {
		b.lastSeen = now
		return b.lim
	}
	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[identity] = &bucket{lim: lim, lastSeen: now}
	return lim
}

// Allow implements Allower.
func (s *Smoothed) Allow(ctx context.Context, identity string) (Decision, error) {
	now := s.now()
	r := s.limiter(identity, now).ReserveN(now, 1)
	if !r.OK() {
		metrics.RateLimitCounter.WithLabelValues("rejected").Inc()
		return Decision{}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		metrics.RateLimitCounter.WithLabelValues("rejected").Inc()
		return Decision{RetryAfter: delay}, nil
	}
	return s.next.Allow(ctx, identity)
}

// Cleanup drops buckets idle for longer than the idle TTL.
func (s *Smoothed) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range s.entries {
		if b.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (s *Smoothed) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// Len returns the number of tracked buckets.
func (s *Smoothed) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
