package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/contextkeys"
	"github.com/xpkg-net/registry/pkg/httputil"
)

// RateLimitConfig sets the fixed-window limits for one route scope plus
// the service-wide global window every request counts against.
type RateLimitConfig struct {
	// Scope names the route group in redis keys and metrics.
	Scope string
	// Requests per Window for this scope.
	Requests int
	Window   time.Duration
	// GlobalRequests per GlobalWindow across all scopes.
	GlobalRequests int
	GlobalWindow   time.Duration
}

// DefaultRateLimitConfig is the baseline for authenticated API routes.
func DefaultRateLimitConfig(scope string) RateLimitConfig {
	return RateLimitConfig{
		Scope:          scope,
		Requests:       100,
		Window:         time.Minute,
		GlobalRequests: 1000,
		GlobalWindow:   time.Minute,
	}
}

// RateLimiter implements fixed-window counting in redis so limits hold
// across service replicas. Redis being down fails open.
type RateLimiter struct {
	redis *redis.Client
	log   *logrus.Logger
}

// NewRateLimiter builds the limiter on a shared redis client.
func NewRateLimiter(redisClient *redis.Client, log *logrus.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log}
}

// window is the outcome of one counter bump.
type window struct {
	limit int
	count int
	reset time.Time
}

// remaining clamps at zero; the request that lands exactly on the limit is
// the last one allowed.
func (w *window) remaining() int {
	if r := w.limit - w.count; r > 0 {
		return r
	}
	return 0
}

func (w *window) exceeded() bool {
	return w.count > w.limit
}

// hit increments the counter for key and reports the window state. The
// first hit in a window sets the expiry.
func (rl *RateLimiter) hit(ctx context.Context, key string, limit int, span time.Duration) (*window, error) {
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, span)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit counter failed: %w", err)
	}

	reset := time.Now().Add(span)
	if d, err := ttl.Result(); err == nil && d > 0 {
		reset = time.Now().Add(d)
	}
	return &window{limit: limit, count: int(incr.Val()), reset: reset}, nil
}

// Limit wraps a handler with the scope and global windows, keyed by the
// authenticated account when present and the client address otherwise.
func (rl *RateLimiter) Limit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := contextkeys.GetUserID(r.Context())
			if caller == "" {
				caller = "ip:" + httputil.ClientIP(r)
			}

			scoped, err := rl.hit(r.Context(),
				fmt.Sprintf("ratelimit:%s:%s", cfg.Scope, caller),
				cfg.Requests, cfg.Window)
			if err != nil {
				rl.log.WithError(err).Warn("rate limiter unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}
			global, err := rl.hit(r.Context(),
				"ratelimit:global:"+caller,
				cfg.GlobalRequests, cfg.GlobalWindow)
			if err != nil {
				rl.log.WithError(err).Warn("rate limiter unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}

			writeWindow(w, "X-RateLimit", scoped)
			writeWindow(w, "X-RateLimit-Global", global)

			if scoped.exceeded() {
				reject(w, scoped)
				return
			}
			if global.exceeded() {
				reject(w, global)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeWindow(w http.ResponseWriter, prefix string, win *window) {
	w.Header().Set(prefix+"-Limit", strconv.Itoa(win.limit))
	w.Header().Set(prefix+"-Remaining", strconv.Itoa(win.remaining()))
	w.Header().Set(prefix+"-Reset", strconv.FormatInt(win.reset.Unix(), 10))
}

func reject(w http.ResponseWriter, win *window) {
	retry := time.Until(win.reset).Seconds()
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
	httputil.WriteCode(w, http.StatusTooManyRequests, httputil.CodeRateLimited)
}
