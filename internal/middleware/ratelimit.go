package middleware

import (
	"net/http"
	"sync"

	"autoflow/internal/config"
	appmetrics "autoflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyedLimiter hands out one token bucket per client key.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newKeyedLimiter(rpm, burst int) *keyedLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
	}
}

func (k *keyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(k.limit, k.burst)
	k.limiters[key] = l
	return l
}

func (k *keyedLimiter) allow(key string) bool {
	return k.get(key).Allow()
}

// RateLimitMiddleware enables per-IP rate limiting controlled by
// cfg.Security.RateLimiting. If disabled, it no-ops. Drops are counted under prefix.
func RateLimitMiddleware(cfg *config.Config, prefix string) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newKeyedLimiter(rl.RequestsPerMinute, rl.Burst)
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !limiter.allow(key) {
			appmetrics.IncRateLimitDrop(prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
