package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	// Per-IP limits for check requests from the forum host.
	CheckRequestsPerMin int
	// Per-IP limits for admin endpoints.
	AdminRequestsPerMin int
	// Per-member limits on spammer submissions to the reputation service.
	MemberSubmitsPerHour int
	MemberSubmitsPerDay  int
	// CleanupInterval is how often stale buckets are purged.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		CheckRequestsPerMin:  600,
		AdminRequestsPerMin:  60,
		MemberSubmitsPerHour: 2,
		MemberSubmitsPerDay:  5,
		CleanupInterval:      5 * time.Minute,
	}
}

// tokenBucket implements a simple token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens float64, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) stale(ttl time.Duration) bool {
	return time.Since(b.lastRefill) > ttl
}

// RateLimiter provides per-IP and per-member rate limiting.
type RateLimiter struct {
	config RateLimiterConfig

	ipBuckets     sync.Map // map[string]*tokenBucket, keyed by limit and IP
	memberBuckets sync.Map // map[int64]*memberRateState

	mu     sync.Mutex
	stopCh chan struct{}
}

// memberRateState tracks hourly and daily submission buckets for a member.
type memberRateState struct {
	hourly *tokenBucket
	daily  *tokenBucket
}

// NewRateLimiter creates a new RateLimiter and starts a background cleanup
// goroutine. Call Stop() to release resources.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		stopCh: make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop halts the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			ttl := 10 * time.Minute
			rl.ipBuckets.Range(func(key, value any) bool {
				if b, ok := value.(*tokenBucket); ok && b.stale(ttl) {
					rl.ipBuckets.Delete(key)
				}
				return true
			})
			rl.memberBuckets.Range(func(key, value any) bool {
				if s, ok := value.(*memberRateState); ok && s.hourly.stale(ttl) && s.daily.stale(ttl) {
					rl.memberBuckets.Delete(key)
				}
				return true
			})
		}
	}
}

// AllowIP checks whether a request from ip is allowed under perMinLimit.
// Each limit value gets its own set of buckets.
func (rl *RateLimiter) AllowIP(ip string, perMinLimit int) bool {
	rate := float64(perMinLimit) / 60.0
	maxTokens := float64(perMinLimit)

	key := strconv.Itoa(perMinLimit) + "|" + ip
	val, _ := rl.ipBuckets.LoadOrStore(key, newTokenBucket(maxTokens, rate))
	bucket := val.(*tokenBucket)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return bucket.allow()
}

// AllowMemberSubmit checks whether a member may be submitted to the
// reputation service again under the hourly and daily limits.
func (rl *RateLimiter) AllowMemberSubmit(memberID int64) bool {
	hourlyRate := float64(rl.config.MemberSubmitsPerHour) / 3600.0
	dailyRate := float64(rl.config.MemberSubmitsPerDay) / 86400.0

	val, _ := rl.memberBuckets.LoadOrStore(memberID, &memberRateState{
		hourly: newTokenBucket(float64(rl.config.MemberSubmitsPerHour), hourlyRate),
		daily:  newTokenBucket(float64(rl.config.MemberSubmitsPerDay), dailyRate),
	})
	state := val.(*memberRateState)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !state.hourly.allow() {
		return false
	}
	return state.daily.allow()
}

// IPRateLimitMiddleware returns middleware that enforces per-IP rate limits.
// It returns 429 Too Many Requests when the limit is exceeded.
func IPRateLimitMiddleware(rl *RateLimiter, perMinLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowIP(extractIP(r), perMinLimit) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP from the request, preferring the leftmost
// X-Forwarded-For entry when present.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := range xff {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}

	// Strip port from RemoteAddr.
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
