package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"peerlink/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func serve(router http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newRateLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234").Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newRateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234").Code)

	w := serve(router, "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1234").Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr", "192.168.1.5:5000", "", "192.168.1.5"},
		{"no port", "192.168.1.5", "", "192.168.1.5"},
		{"forwarded", "10.0.0.1:80", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.7, 10.0.0.9", "203.0.113.7"},
		{"forwarded garbage", "10.0.0.1:80", "unknown", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestRateLimiterStore_ReusesLimiter(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	a := store.getLimiter("a")
	assert.Same(t, a, store.getLimiter("a"))
	store.getLimiter("b")
	assert.Equal(t, 2, store.size())
}
