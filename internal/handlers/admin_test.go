package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/history"
	"github.com/cf-ai-groupchat-go/internal/services/provider"
	"github.com/cf-ai-groupchat-go/internal/services/queue"
	"github.com/cf-ai-groupchat-go/internal/services/roster"
	"github.com/cf-ai-groupchat-go/internal/services/settings"
	"github.com/cf-ai-groupchat-go/internal/services/storage"
	"github.com/cf-ai-groupchat-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoProvider struct {
	delay time.Duration
}

func (p echoProvider) Complete(ctx context.Context, req *provider.Request) (string, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

type staticCatalog struct{}

func (staticCatalog) DefaultModel() string { return "m1" }
func (staticCatalog) GetAvailableModels() []provider.ModelOption {
	return []provider.ModelOption{{ID: "m1", Name: "Model One"}}
}

type sinkFunc func(ctx context.Context, msg models.ConversationMessage, addressed []string) ([]models.ResponseCandidate, error)

func (f sinkFunc) HandleMessage(ctx context.Context, msg models.ConversationMessage, addressed []string) ([]models.ResponseCandidate, error) {
	return f(ctx, msg, addressed)
}

type fixture struct {
	router  http.Handler
	queue   *queue.Queue
	history *history.History
	roster  *roster.Roster
}

func newFixture(t *testing.T, p provider.Provider, sink MessageSink) *fixture {
	t.Helper()
	log := logger.Discard()

	q := queue.New(p, queue.DefaultOptions(), nil, log)
	t.Cleanup(q.Close)

	r, err := roster.New([]models.Bot{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}}, log)
	require.NoError(t, err)

	h := history.New(10)
	if sink == nil {
		sink = sinkFunc(func(_ context.Context, msg models.ConversationMessage, _ []string) ([]models.ResponseCandidate, error) {
			h.Append(msg)
			bot, _ := r.Get("alice")
			return []models.ResponseCandidate{{Bot: bot, Reason: models.ReasonMentioned}}, nil
		})
	}

	rl := middleware.NewRateLimiter(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2}, nil, log)
	t.Cleanup(rl.Stop)

	admin := NewAdminHandler(AdminDeps{
		Queue:         q,
		Settings:      settings.NewManager(storage.NewMemoryStore(), models.GenerationSettings{Temperature: 0.8, TopP: 0.9, TopK: -1, RepetitionPenalty: 1}, log),
		Bots:          r,
		Sink:          sink,
		History:       h,
		Models:        staticCatalog{},
		RateLimiter:   rl,
		Security:      middleware.NewSecurityMiddleware(log),
		Logger:        log,
		DirectTimeout: 50 * time.Millisecond,
	})
	return &fixture{router: admin.Router(), queue: q, history: h, roster: r}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestQueueAdministration(t *testing.T) {
	f := newFixture(t, echoProvider{}, nil)

	rec, body := f.do(t, http.MethodGet, "/api/queue/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, body["max_concurrent"])
	assert.Equal(t, true, body["can_accept"])

	rec, body = f.do(t, http.MethodPost, "/api/queue/concurrency", `{"limit":5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5.0, body["max_concurrent"])

	for _, limit := range []int{0, 21} {
		rec, body = f.do(t, http.MethodPost, "/api/queue/concurrency", fmt.Sprintf(`{"limit":%d}`, limit))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, body["error"])
	}
	assert.Equal(t, 5, f.queue.Status().MaxConcurrent)

	rec, body = f.do(t, http.MethodPost, "/api/queue/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["paused"])

	req := &models.GenerationRequest{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}, Params: models.SamplingParams{TopP: 1, TopK: -1, RepetitionPenalty: 1}}
	fut, err := f.queue.Enqueue(req, 0)
	require.NoError(t, err)

	rec, body = f.do(t, http.MethodPost, "/api/queue/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["cancelled"])
	_, err = fut.Wait(context.Background())
	assert.ErrorIs(t, err, models.ErrRequestCancelled)

	_, body = f.do(t, http.MethodPost, "/api/queue/clear", "")
	assert.Equal(t, 0.0, body["cancelled"])

	rec, body = f.do(t, http.MethodPost, "/api/queue/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["paused"])
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t, echoProvider{}, nil)

	rec, body := f.do(t, http.MethodPut, "/api/settings", `{"temperature":1.3,"system_prompt":"Stay on topic."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.3, body["temperature"])
	assert.Equal(t, 0.9, body["top_p"])

	rec, body = f.do(t, http.MethodPut, "/api/settings", `{"top_p":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "top_p", body["field"])

	rec, body = f.do(t, http.MethodPut, "/api/settings", `{"temperature":1.1,"max_history":40}`)
	require.Equal(t, http.StatusOK, rec.Code, "unknown keys are ignored")
	assert.Equal(t, 1.1, body["temperature"])
	assert.Equal(t, "Stay on topic.", body["system_prompt"])

	rec, _ = f.do(t, http.MethodPut, "/api/settings", `{"temperature":"hot"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = f.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, 1.1, body["temperature"])
	assert.Equal(t, "Stay on topic.", body["system_prompt"])
}

func TestBotEndpoints(t *testing.T) {
	f := newFixture(t, echoProvider{}, nil)

	rec, _ := f.do(t, http.MethodPut, "/api/bots/bob/status", `{"status":"away"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, f.roster.Online(), 1)

	rec, _ = f.do(t, http.MethodPut, "/api/bots/bob/status", `{"status":"asleep"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPut, "/api/bots/zed/status", `{"status":"online"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bots", nil))
	var bots []models.Bot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	require.Len(t, bots, 2)
	assert.Equal(t, models.BotAway, bots[1].Status)

	_, body := f.do(t, http.MethodGet, "/api/models", "")
	assert.Equal(t, "m1", body["default"])
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t, echoProvider{}, nil)

	rec, body := f.do(t, http.MethodPost, "/api/messages", `{"author":"carol","content":"hi alice"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	responders := body["responders"].([]interface{})
	require.Len(t, responders, 1)
	assert.Equal(t, "alice", responders[0].(map[string]interface{})["bot_id"])
	assert.Equal(t, 1, f.history.Len())

	rec, _ = f.do(t, http.MethodPost, "/api/messages", `{"author":"carol","content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/messages", `{"content":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// burst of 2 is spent by the two messages above that passed the author check
	rec, _ = f.do(t, http.MethodPost, "/api/messages", `{"author":"carol","content":"again"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/messages", `{"author":"dave","content":"`+strings.Repeat("x", middleware.MaxMessageLength+1)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	var msgs []models.ConversationMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "carol", msgs[0].AuthorName)
}

func TestPostMessageMapsAdmissionErrors(t *testing.T) {
	cases := map[error]int{
		models.ErrDuplicateRequest: http.StatusConflict,
		models.ErrQueueFull:        http.StatusServiceUnavailable,
	}
	for sinkErr, want := range cases {
		sinkErr := sinkErr
		f := newFixture(t, echoProvider{}, sinkFunc(func(context.Context, models.ConversationMessage, []string) ([]models.ResponseCandidate, error) {
			return nil, fmt.Errorf("enqueue: %w", sinkErr)
		}))
		rec, _ := f.do(t, http.MethodPost, "/api/messages", `{"author":"carol","content":"hi"}`)
		assert.Equal(t, want, rec.Code, sinkErr.Error())
	}
}

func TestDiagnosticsGenerate(t *testing.T) {
	f := newFixture(t, echoProvider{}, nil)
	rec, body := f.do(t, http.MethodPost, "/api/diagnostics/generate", `{"prompt":"ping"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo: ping", body["text"])
	assert.Equal(t, "m1", body["model"])

	rec, _ = f.do(t, http.MethodPost, "/api/diagnostics/generate", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	slow := newFixture(t, echoProvider{delay: time.Second}, nil)
	rec, _ = slow.do(t, http.MethodPost, "/api/diagnostics/generate", `{"prompt":"ping"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, echoProvider{}, nil)
	rec, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
