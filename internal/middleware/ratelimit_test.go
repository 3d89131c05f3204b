package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testRateLimitConfig(rpm, burst int) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	}
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	limiter := NewRateLimiter(testRateLimitConfig(60, 3))
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.Allow(context.Background(), "client-1")
		if !allowed {
			t.Fatalf("request %d denied, want allowed within burst", i+1)
		}
	}
}

func TestRateLimiter_DeniesBeyondBurst(t *testing.T) {
	limiter := NewRateLimiter(testRateLimitConfig(60, 2))
	defer limiter.Stop()

	limiter.Allow(context.Background(), "client-1")
	limiter.Allow(context.Background(), "client-1")
	allowed, remaining := limiter.Allow(context.Background(), "client-1")
	if allowed {
		t.Error("third request allowed, want denied with burst 2")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestRateLimiter_KeysIsolated(t *testing.T) {
	limiter := NewRateLimiter(testRateLimitConfig(60, 1))
	defer limiter.Stop()

	limiter.Allow(context.Background(), "client-1")
	allowed, _ := limiter.Allow(context.Background(), "client-2")
	if !allowed {
		t.Error("client-2 denied after client-1 exhausted its bucket")
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	limiter := NewRateLimiter(testRateLimitConfig(60, 1))
	defer limiter.Stop()

	router := gin.New()
	router.Use(RateLimitMiddleware(limiter))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", second.Header().Get("Retry-After"))
	}
}

func TestRateLimitMiddleware_PrefersUserKey(t *testing.T) {
	limiter := NewRateLimiter(testRateLimitConfig(60, 1))
	defer limiter.Stop()

	router := gin.New()
	// Simulate auth having run first for alternating users
	user := "user-a"
	router.Use(func(c *gin.Context) { c.Set(UserIDKey, user); c.Next() })
	router.Use(RateLimitMiddleware(limiter))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))

	// Same IP, different user: separate bucket
	user = "user-b"
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusOK {
		t.Errorf("different user = %d, want 200 from its own bucket", second.Code)
	}
}
