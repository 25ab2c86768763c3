package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Limit is a partition's request budget. A zero PerSecond means unlimited.
type Limit struct {
	PerSecond float64
	Burst     int
}

// LimitFunc looks up the current limit of a partition.
type LimitFunc func(ctx context.Context, partitionID uuid.UUID) (Limit, error)

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	limit      Limit
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(l Limit, now time.Time) *tokenBucket {
	return &tokenBucket{limit: l, tokens: float64(l.Burst), lastRefill: now}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.limit.PerSecond
	if burst := float64(b.limit.Burst); b.tokens > burst {
		b.tokens = burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit.PerSecond <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.limit.PerSecond) + 1
}

// partitionBuckets holds one bucket per partition. A bucket is replaced when
// the partition's limit changes.
type partitionBuckets struct {
	buckets map[uuid.UUID]*tokenBucket
	mu      sync.Mutex
	now     func() time.Time
}

func (s *partitionBuckets) get(id uuid.UUID, l Limit) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[id]; ok && b.limit == l {
		return b
	}
	b := newTokenBucket(l, s.now())
	s.buckets[id] = b
	return b
}

// RateLimit enforces each partition's own limit. It must run after
// Partition. Lookup failures let the request through; the handler will
// report the real problem.
func RateLimit(lookup LimitFunc) echo.MiddlewareFunc {
	return rateLimit(lookup, time.Now)
}

func rateLimit(lookup LimitFunc, now func() time.Time) echo.MiddlewareFunc {
	store := &partitionBuckets{buckets: map[uuid.UUID]*tokenBucket{}, now: now}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := PartitionFromContext(c)
			if !ok {
				return next(c)
			}
			limit, err := lookup(c.Request().Context(), id)
			if err != nil || limit.PerSecond <= 0 || limit.Burst <= 0 {
				return next(c)
			}

			bucket := store.get(id, limit)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
			if !bucket.allow(now()) {
				h.Set("Retry-After", strconv.Itoa(bucket.retryAfter()))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
