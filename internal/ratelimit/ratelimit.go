// Package ratelimit provides rate limiting middleware for the fraudgate API.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fraudgate/internal/metrics"
	"github.com/mbd888/fraudgate/internal/syncutil"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600, // 10 req/sec average
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks token buckets by client key. Buckets live in a sharded map
// so clients on different shards never contend.
type Limiter struct {
	cfg     Config
	buckets *syncutil.ShardedMap[bucket]
	stop    chan struct{}
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: syncutil.NewShardedMap[bucket](),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.buckets.DeleteFunc(func(_ string, b bucket) bool {
				return b.lastCheck.Before(cutoff)
			})
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	allowed := false

	l.buckets.Update(key, func(b bucket, exists bool) (bucket, bool) {
		if !exists {
			allowed = true
			return bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}, true
		}

		// Token bucket
		elapsed := now.Sub(b.lastCheck).Seconds()
		b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
		b.tokens = min(b.tokens, float64(l.cfg.BurstSize))
		b.lastCheck = now

		if b.tokens >= 1 {
			b.tokens--
			allowed = true
		}
		return b, true
	})
	return allowed
}

// Middleware returns a Gin middleware that rate limits by client IP, or by
// API key when one is presented.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			key = "key:" + apiKey[:min(20, len(apiKey))]
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}
