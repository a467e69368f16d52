// Package ratelimit enforces per-caller request budgets backed by Redis,
// falling back to per-replica memory when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ovmeet/backend/internal/v1/config"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the per-tier limiter instances.
type RateLimiter struct {
	global      *limiter.Limiter
	public      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance from the configured
// rate strings ("1000-M" style, see ulule/limiter formats).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	globalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	publicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "ov_meet:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using memory store; limits apply per replica")
	}

	return &RateLimiter{
		global:      limiter.New(store, globalRate),
		public:      limiter.New(store, publicRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// GlobalMiddleware enforces the per-user budget on guarded route groups.
// It keys by the validated token subject when the auth guard has already
// run, falling back to client IP for callers the guard has not identified
// (API-key consumers, requests about to be rejected with 401).
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Tier prefix keeps a caller's public and authenticated budgets on
		// separate counters in the shared store.
		key := "global:ip:" + c.ClientIP()
		keyType := "ip"
		if claims, ok := middleware.Claims(c); ok {
			key = "global:user:" + claims.Subject
			keyType = "user"
		}
		rl.enforce(c, rl.global, key, keyType)
	}
}

// PublicMiddleware enforces the stricter per-IP budget on unauthenticated
// surfaces such as login and participant token issuance.
func (rl *RateLimiter) PublicMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.enforce(c, rl.public, "public:ip:"+c.ClientIP(), "ip")
	}
}

func (rl *RateLimiter) enforce(c *gin.Context, inst *limiter.Limiter, key, keyType string) {
	ctx := c.Request.Context()
	lctx, err := inst.Get(ctx, key)
	if err != nil {
		// Fail open when the store is unreachable.
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), keyType).Inc()
		retryAfter := lctx.Reset - time.Now().Unix()
		if retryAfter < 0 {
			retryAfter = 0
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many requests",
			"code":        "RATE_LIMIT_EXCEEDED",
			"retry_after": lctx.Reset,
		})
		return
	}

	metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
	c.Next()
}
