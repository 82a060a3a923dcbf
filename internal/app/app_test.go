package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/events"
	"github.com/cf-ai-groupchat-go/internal/services/provider"
	"github.com/cf-ai-groupchat-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configYAML = `
providers:
  endpoints:
    - name: local
      base_url: %URL%
      models:
        - id: llama
          context_length: 8192
engine:
  queue:
    rate_limit_delay: 0s
  orchestrator:
    typing_stagger: 0s
    delivery_stagger: 0s
    typing_pause: 0s
  scheduler:
    enabled: false
storage:
  type: memory
`

type scripted struct{ reply string }

func (s scripted) Complete(_ context.Context, req *provider.Request) (string, error) {
	return s.reply, nil
}

func loadConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(configYAML, "%URL%", url)), 0o644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestEndToEndReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"<think>hmm</think>Hello Carol!"}}]}`))
	}))
	defer srv.Close()

	cfg := loadConfig(t, srv.URL)
	a, err := New(context.Background(), cfg, logger.Discard(),
		WithBots(models.Bot{ID: "alice", DisplayName: "Alice", SystemPrompt: "You are Alice."}))
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	replies := make(chan events.ResponseGenerated, 1)
	a.Bus.Subscribe(events.Handlers{ResponseGenerated: func(e events.ResponseGenerated) { replies <- e }})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"author":"Carol","content":"hi alice"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case e := <-replies:
		assert.Equal(t, "alice", e.BotID)
		assert.Equal(t, "Hello Carol!", e.Content)
		assert.False(t, e.Fallback)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply delivered")
	}

	a.Orchestrator.Wait()
	msgs := a.History.Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Carol", msgs[0].AuthorName)
	assert.Equal(t, "Alice", msgs[1].AuthorName)
}

func TestWithProviderAndAutonomousSpeech(t *testing.T) {
	cfg := loadConfig(t, "http://127.0.0.1:1")
	bot := models.Bot{ID: "bob", DisplayName: "Bob", Model: "fake"}
	a, err := New(context.Background(), cfg, logger.Discard(),
		WithBots(bot),
		WithProvider("fake", scripted{reply: "Anyone around?"}, config.ModelInfo{ID: "fake"}))
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	require.NoError(t, a.Orchestrator.SpeakAutonomously(context.Background(), bot))
	msgs := a.History.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Anyone around?", msgs[0].Content)
	assert.Equal(t, "bob", msgs[0].BotID)
}

func TestSettingsChangeVisibleToEngine(t *testing.T) {
	cfg := loadConfig(t, "http://127.0.0.1:1")
	a, err := New(context.Background(), cfg, logger.Discard(), WithBots())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/settings", strings.NewReader(`{"temperature":0.2}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0.2, a.Settings.Current().Temperature)
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := loadConfig(t, "http://127.0.0.1:1")
	a, err := New(context.Background(), cfg, logger.Discard(), WithBots())
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}
