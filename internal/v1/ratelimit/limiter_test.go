package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/ovmeet/backend/internal/v1/auth"
	"github.com/ovmeet/backend/internal/v1/config"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	cfg := &config.Config{
		RateLimitAPIGlobal: "10-M",
		RateLimitAPIPublic: "5-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitAPIGlobal: "10-M",
		RateLimitAPIPublic: "5-M",
	}

	rl, err := NewRateLimiter(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, rl.redisClient)
}

func TestNewRateLimiter_BadRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitAPIGlobal: "plenty",
		RateLimitAPIPublic: "5-M",
	}

	_, err := NewRateLimiter(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global rate")
}

func TestPublicMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.PublicMiddleware())
	r.GET("/login", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Public limit is 5 per minute.
	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/login", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Contains(t, resp.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
}

func TestGlobalMiddleware_User(t *testing.T) {
	rl, _ := newTestLimiter(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	// Stand-in for the JWT guard.
	r.Use(func(c *gin.Context) {
		claims := &auth.Claims{}
		claims.Subject = "user1"
		middleware.SetClaims(c, claims)
		c.Next()
	})
	r.Use(rl.GlobalMiddleware())
	r.GET("/rooms", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Global limit is 10 per minute per subject.
	for i := 0; i < 10; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/rooms", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "10", resp.Header().Get("X-RateLimit-Limit"))
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestGlobalMiddleware_SubjectsBudgetIndependently(t *testing.T) {
	rl, _ := newTestLimiter(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		claims := &auth.Claims{}
		claims.Subject = c.GetHeader("X-Test-Subject")
		middleware.SetClaims(c, claims)
		c.Next()
	})
	r.Use(rl.GlobalMiddleware())
	r.GET("/rooms", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
		req.Header.Set("X-Test-Subject", "user1")
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		require.Equal(t, http.StatusOK, resp.Code)
	}

	// user1 is exhausted, user2 is not.
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("X-Test-Subject", "user1")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("X-Test-Subject", "user2")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestTiersBudgetSeparately(t *testing.T) {
	rl, _ := newTestLimiter(t)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/public", rl.PublicMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/guarded", rl.GlobalMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Exhaust the public tier for this IP.
	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/public", nil))
		require.Equal(t, http.StatusOK, resp.Code)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/public", nil))
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	// The same IP still has its full budget on the global tier.
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/guarded", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "10", resp.Header().Get("X-RateLimit-Limit"))
}

func TestRedisFailure_FailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t)

	// Kill redis to simulate an outage.
	mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/fail-open", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/fail-open", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}
