// ratelimit.go provides Gin middleware that enforces per-client token-bucket
// rate limits on inbound requests, returning 429 once a client's bucket is
// empty. Buckets are keyed by owner id for session routes and by client IP
// otherwise.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig is used for session routes.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
	}
}

// UploadRateLimitConfig is used for media uploads.
func UploadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	config   RateLimitConfig
	visitors map[string]*visitor
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call
// Stop to release it.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:   config,
		visitors: make(map[string]*visitor),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if v.lastSeen.Before(cutoff) {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) visitor(key string) *visitor {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(rl.config.RequestsPerMinute)/60.0), rl.config.BurstSize)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.visitor(key).limiter.Allow()
}

// RemainingTokens returns how many whole tokens are left for key.
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	rl.mu.Unlock()
	if !ok {
		return rl.config.BurstSize
	}
	tokens := int(v.limiter.Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

// RateLimitMiddleware rejects requests once the client's bucket is empty.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		if !limiter.Allow(key) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.RemainingTokens(key)))
		c.Next()
	}
}

// getRateLimitKey prefers the authenticated owner and falls back to the
// client IP.
func getRateLimitKey(c *gin.Context) string {
	if owner, ok := GetOwnerID(c); ok {
		return "owner:" + owner.String()
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
