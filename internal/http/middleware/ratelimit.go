package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// gcEvery is the number of lookups between sweeps of idle buckets.
const gcEvery = 5000

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByPrincipalOrIP keys by the AdminAuth principal when set, else by
// client IP. Keys are prefixed so the namespaces cannot collide.
func KeyByPrincipalOrIP() keyFunc {
	return func(c *gin.Context) string {
		if p := Principal(c); p != "" {
			return "principal:" + p
		}
		return "ip:" + c.ClientIP()
	}
}

// SkipPathPrefixes exempts requests whose path starts with any prefix.
// Media downloads are the usual case: one feed page can embed dozens.
func SkipPathPrefixes(prefixes ...string) func(*gin.Context) bool {
	return func(c *gin.Context) bool {
		p := c.Request.URL.Path
		for _, pre := range prefixes {
			if pre != "" && strings.HasPrefix(p, pre) {
				return true
			}
		}
		return false
	}
}

// RateLimitOptions configures NewRateLimiter.
type RateLimitOptions struct {
	RPS   float64 // tokens per second; 0 rejects everything past the burst
	Burst int     // bucket size, coerced to >= 1
	Key   keyFunc // defaults to KeyByPrincipalOrIP
	// Skip exempts a request from limiting.
	Skip func(*gin.Context) bool
	// IdleTTL evicts buckets unused for this long (default 10m).
	IdleTTL time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter. Safe for concurrent use.
type RateLimiter struct {
	opts RateLimitOptions

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// NewRateLimiter builds a limiter; install it with Handler.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Key == nil {
		opts.Key = KeyByPrincipalOrIP()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RateLimiter{opts: opts, visitors: make(map[string]*visitor)}
}

// limiter returns the bucket for key. Idle buckets are swept before the
// lookup so a stale bucket is replaced rather than refreshed.
func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= gcEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.opts.IdleTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rate.Limit(rl.opts.RPS), rl.opts.Burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Len reports how many buckets are live.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay, which is served without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyRateBypass)
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit. Rejections get 429 with the API error
// envelope and a Retry-After in whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || (rl.opts.Skip != nil && rl.opts.Skip(c)) {
			c.Next()
			return
		}

		now := rl.opts.Now()
		lim := rl.limiter(rl.opts.Key(c), now)
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(retryAfter(lim, now)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfter is the whole seconds until lim yields one token, at least 1.
// A zero-rate limiter never refills; it reports one minute.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	if lim.Limit() <= 0 {
		return 60
	}
	r := lim.ReserveN(now, 1)
	defer r.CancelAt(now)
	if !r.OK() {
		return 60
	}
	secs := int(math.Ceil(r.DelayFrom(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
