package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow_Burst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"))
}

func TestLimiterAllow_Refill(t *testing.T) {
	// 600/min is one token every 100ms
	l := New(Config{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	require.True(t, l.Allow("ip"))
	require.False(t, l.Allow("ip"))
	time.Sleep(150 * time.Millisecond)
	assert.True(t, l.Allow("ip"))
}

func TestLimiterKeysIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer l.Stop()

	l.Allow("a")
	l.Allow("a")
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiterWait_ContextCancelled(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1})
	defer l.Stop()

	require.NoError(t, l.Wait(context.Background(), "queue"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "queue"))
}

func TestLimiterSweep(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	l.Allow("stale")
	l.sweep(time.Now().Add(time.Second))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.clients)
}

func TestLimiterStopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
