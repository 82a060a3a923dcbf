package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerAuthor(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}, nil, logger.Discard())
	defer rl.Stop()

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))

	// other authors have their own bucket
	assert.True(t, rl.Allow("bob"))

	rl.Reset("alice")
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{Enabled: false}, nil, logger.Discard())
	defer rl.Stop()
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("alice"))
	}
}

func TestSecurityMiddleware(t *testing.T) {
	s := NewSecurityMiddleware(logger.Discard())

	assert.NoError(t, s.ValidateInput("hello"))
	assert.Error(t, s.ValidateInput("   "))
	assert.Error(t, s.ValidateInput(strings.Repeat("a", MaxMessageLength+1)))
	assert.Error(t, s.ValidateInput("bad \xff byte"))

	assert.Equal(t, "line one\nline two", s.SanitizeOutput("line one\x00\nline two\x07"))
}

func TestMetricsServerHealth(t *testing.T) {
	srv := NewMetricsServer(0, "/metrics")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFallback()
		m.SetQueueState(1, 1, 0)
		m.RecordDecision("addressed")
	})
}
