// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a refused caller should wait.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return time.Second
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

const keyPrefix = "mdraft:rl:"

// RedisLimiter shares counters across processes.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.now()
	start := now.Truncate(window)
	reset := start.Add(window)
	redisKey := fmt.Sprintf("%s%s:%d", keyPrefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.ExpireAt(ctx, redisKey, reset.Add(time.Second))
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("RedisLimiter.Allow: %w", err)
	}

	count := int(incr.Val())
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   reset,
	}, nil
}

// MemoryLimiter is a per-process token bucket per key. Buckets idle for
// longer than idleTTL are dropped.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	idleTTL  time.Duration
	lastScan time.Time
	now      func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: map[string]*bucket{}, idleTTL: 10 * time.Minute, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.now()
	every := window / time.Duration(max(limit, 1))

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	id := fmt.Sprintf("%s:%d:%s", key, limit, window)
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), limit)}
		l.buckets[id] = b
	}
	b.seen = now

	allowed := b.lim.AllowN(now, 1)
	remaining := int(b.lim.TokensAt(now))
	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(remaining, 0),
		ResetAt:   now.Add(every),
	}, nil
}

func (l *MemoryLimiter) evict(now time.Time) {
	if now.Sub(l.lastScan) < l.idleTTL {
		return
	}
	l.lastScan = now
	for id, b := range l.buckets {
		if now.Sub(b.seen) > l.idleTTL {
			delete(l.buckets, id)
		}
	}
}

// Fallback uses secondary whenever primary errors.
type Fallback struct {
	primary   Limiter
	secondary Limiter
	log       zerolog.Logger
}

func NewFallback(primary, secondary Limiter, log zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, log: log}
}

func (f *Fallback) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	d, err := f.primary.Allow(ctx, key, limit, window)
	if err == nil {
		return d, nil
	}
	f.log.Warn().Err(err).Msg("Primary rate limiter failed, using in-memory limiter")
	return f.secondary.Allow(ctx, key, limit, window)
}
