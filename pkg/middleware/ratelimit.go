package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"

	"github.com/ngoyal88/searchlog/pkg/cache"
	"github.com/ngoyal88/searchlog/pkg/config"
	"github.com/ngoyal88/searchlog/pkg/identity"
	"github.com/ngoyal88/searchlog/pkg/logging"
)

const (
	rateLimitPrefix = "searchlog:ratelimit:"
	// Local limiters idle this long are dropped on the next sweep.
	localLimiterTTL = 10 * time.Minute
	sweepEvery      = 1024
)

type localLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per identity. With a Redis client the limit is
// shared by every gateway instance (redis_rate); without one each process
// keeps its own token buckets.
type RateLimiter struct {
	cfgStore *config.Store
	resolve  identity.Resolver
	redis    *redis_rate.Limiter

	mu    sync.Mutex
	local map[string]*localLimiter
	calls int
}

// NewRateLimiter returns the limiter middleware. Limits are read from
// cfgStore on every request, so hot-reloaded values apply at once.
// Only request headers are available here, so resolve sees no payload fields.
func NewRateLimiter(rdb *cache.Client, cfgStore *config.Store, resolve identity.Resolver) func(http.Handler) http.Handler {
	rl := &RateLimiter{
		cfgStore: cfgStore,
		resolve:  resolve,
		local:    make(map[string]*localLimiter),
	}
	if rl.resolve == nil {
		rl.resolve = identity.FromCredential
	}
	if rdb != nil {
		rl.redis = redis_rate.NewLimiter(rdb.Redis())
	}
	return rl.Middleware
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := rl.cfgStore.Get()
		if cfg == nil || !cfg.RateLimit.Enabled || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.resolve(identity.Source{Header: r.Header})
		if key == "" || key == identity.Anonymous {
			// Credential-less clients get a bucket per address instead of one shared bucket.
			key = clientKey(r)
		}
		allowed, retryAfter := rl.allow(r.Context(), key, cfg.RateLimit)
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}
			RespondError(w, http.StatusTooManyRequests,
				"Rate limit reached for this identity, please retry later.", ErrTypeRateLimit, "rate_limit_exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, key string, cfg config.RateLimitConfig) (bool, time.Duration) {
	if rl.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()

		res, err := rl.redis.Allow(ctx, rateLimitPrefix+key, redisLimit(cfg))
		if err == nil {
			if res.Allowed == 0 {
				rateLimited.WithLabelValues("redis").Inc()
				return false, res.RetryAfter
			}
			return true, 0
		}
		// Redis trouble must not take serving down; fall back to local buckets.
		logging.Component("ratelimit").WithError(err).Warn("[RATELIMIT] redis unavailable, using local limiter")
	}

	if !rl.localLimiter(key, cfg).Allow() {
		rateLimited.WithLabelValues("local").Inc()
		return false, time.Duration(float64(time.Second) / cfg.RPS)
	}
	return true, 0
}

func (rl *RateLimiter) localLimiter(key string, cfg config.RateLimitConfig) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.calls++
	if rl.calls%sweepEvery == 0 {
		for k, l := range rl.local {
			if now.Sub(l.lastSeen) > localLimiterTTL {
				delete(rl.local, k)
			}
		}
	}

	l, ok := rl.local[key]
	if !ok {
		l = &localLimiter{lim: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)}
		rl.local[key] = l
	}
	if l.lim.Limit() != rate.Limit(cfg.RPS) {
		l.lim.SetLimit(rate.Limit(cfg.RPS))
	}
	if l.lim.Burst() != cfg.Burst {
		l.lim.SetBurst(cfg.Burst)
	}
	l.lastSeen = now
	return l.lim
}

// clientKey identifies a caller by its remote address.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// redisLimit expresses a fractional requests-per-second rate as whole
// requests per period.
func redisLimit(cfg config.RateLimitConfig) redis_rate.Limit {
	if cfg.RPS >= 1 {
		return redis_rate.Limit{Rate: int(cfg.RPS), Burst: cfg.Burst, Period: time.Second}
	}
	return redis_rate.Limit{Rate: 1, Burst: cfg.Burst, Period: time.Duration(float64(time.Second) / cfg.RPS)}
}
