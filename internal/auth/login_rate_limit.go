package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tube-backend/internal/observability"
)

// HitCounter counts login attempts per key inside a window.
type HitCounter interface {
	Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

type LoginRateLimiter struct {
	counter    HitCounter
	maxHits    int
	window     time.Duration
	logger     *observability.Logger
	trustProxy bool
}

func NewLoginRateLimiter(counter HitCounter, maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if counter == nil {
		counter = NewMemoryHitCounter()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &LoginRateLimiter{
		counter: counter,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
	}
}

// TrustProxyHeaders keys clients by X-Forwarded-For instead of the peer
// address. Enable it only behind a proxy that sets the header.
func (l *LoginRateLimiter) TrustProxyHeaders(trust bool) *LoginRateLimiter {
	l.trustProxy = trust
	return l
}

// Middleware rejects a client IP with 429 once it exceeds the limit. Counter
// failures let the request through.
func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r, l.trustProxy)

		allowed, retryAfter, err := l.counter.Allow(r.Context(), ip, l.maxHits, l.window, time.Now().UTC())
		if err != nil {
			l.logger.Warn("login_rate_limit_unavailable", map[string]any{"ip": ip, "error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryHitCounter is a per-process sliding window.
type MemoryHitCounter struct {
	mu        sync.Mutex
	hitByKey  map[string][]time.Time
	maxMemory int
}

func NewMemoryHitCounter() *MemoryHitCounter {
	return &MemoryHitCounter{
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (c *MemoryHitCounter) Allow(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		c.hitByKey[key] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	c.hitByKey[key] = filtered

	if len(c.hitByKey) > c.maxMemory {
		for k, value := range c.hitByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(c.hitByKey, k)
			}
		}
	}

	return true, 0, nil
}

// RedisHitCounter is a fixed window shared by every instance behind the
// same Redis.
type RedisHitCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisHitCounter(client *redis.Client) *RedisHitCounter {
	return &RedisHitCounter{client: client, prefix: "login_rate:"}
}

func (c *RedisHitCounter) Allow(ctx context.Context, key string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	redisKey := c.prefix + key

	hits, err := c.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr login hits: %w", err)
	}
	if hits == 1 {
		if err := c.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login hits: %w", err)
		}
	}

	if hits <= int64(maxHits) {
		return true, 0, nil
	}

	ttl, err := c.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ttl login hits: %w", err)
	}
	if ttl < 0 {
		// the key lost its expiry; restart the window
		if err := c.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login hits: %w", err)
		}
		ttl = window
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	return false, ttl, nil
}
