package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	dto "dify-task-engine.com/dify-task-engine/internal/data_models"
)

// RateLimiter allows limit requests per client IP in each fixed window.
// Requests matching skip are not counted.
func RateLimiter(limit int, window time.Duration, skip func(echo.Context) bool) echo.MiddlewareFunc {
	type bucket struct {
		count int
		start time.Time
	}

	var (
		mu        sync.Mutex
		buckets   = make(map[string]*bucket)
		lastPrune time.Time
	)

	// prune drops expired buckets; callers hold mu.
	prune := func(now time.Time) {
		if now.Sub(lastPrune) < window {
			return
		}
		for key, b := range buckets {
			if now.Sub(b.start) > window {
				delete(buckets, key)
			}
		}
		lastPrune = now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}

			now := time.Now()
			key := c.RealIP()

			mu.Lock()
			prune(now)
			b, ok := buckets[key]
			if !ok || now.Sub(b.start) > window {
				b = &bucket{start: now}
				buckets[key] = b
			}

			if b.count >= limit {
				retryAfter := window - now.Sub(b.start)
				mu.Unlock()

				c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, dto.ErrorResponse{
					Error: "rate limit exceeded",
					Kind:  "rate_limited",
				})
			}

			b.count++
			mu.Unlock()

			return next(c)
		}
	}
}
