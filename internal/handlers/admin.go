package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/provider"
	"github.com/cf-ai-groupchat-go/internal/services/roster"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// QueueAdmin is the administrative surface of the request queue
type QueueAdmin interface {
	Status() models.QueueStatus
	SetMaxConcurrent(n int) error
	ClearQueue() int
	Pause()
	Resume()
	Direct(ctx context.Context, req *models.GenerationRequest, timeout time.Duration) (string, error)
}

// SettingsAdmin reads and patches the global generation settings
type SettingsAdmin interface {
	Current() models.GenerationSettings
	Update(ctx context.Context, patch models.SettingsPatch) (models.GenerationSettings, error)
}

// BotDirectory lists bots and changes their presence
type BotDirectory interface {
	All() []models.Bot
	SetStatus(id string, status models.BotStatus) error
}

// MessageSink accepts inbound chat messages
type MessageSink interface {
	HandleMessage(ctx context.Context, msg models.ConversationMessage, addressed []string) ([]models.ResponseCandidate, error)
}

// HistoryView exposes the rolling conversation
type HistoryView interface {
	Snapshot() []models.ConversationMessage
}

// ModelCatalog lists the configured models
type ModelCatalog interface {
	DefaultModel() string
	GetAvailableModels() []provider.ModelOption
}

// AdminHandler serves the JSON admin and ingest API
type AdminHandler struct {
	queue       QueueAdmin
	settings    SettingsAdmin
	bots        BotDirectory
	sink        MessageSink
	history     HistoryView
	models      ModelCatalog
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
	metrics     *middleware.Metrics
	logger      *logrus.Logger

	directTimeout time.Duration
	directTokens  int
}

// AdminDeps are the collaborators of an AdminHandler
type AdminDeps struct {
	Queue         QueueAdmin
	Settings      SettingsAdmin
	Bots          BotDirectory
	Sink          MessageSink
	History       HistoryView
	Models        ModelCatalog
	RateLimiter   middleware.RateLimiter
	Security      *middleware.SecurityMiddleware
	Metrics       *middleware.Metrics
	Logger        *logrus.Logger
	DirectTimeout time.Duration
	DirectTokens  int
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(d AdminDeps) *AdminHandler {
	if d.DirectTimeout <= 0 {
		d.DirectTimeout = 30 * time.Second
	}
	if d.DirectTokens <= 0 {
		d.DirectTokens = 256
	}
	return &AdminHandler{
		queue:         d.Queue,
		settings:      d.Settings,
		bots:          d.Bots,
		sink:          d.Sink,
		history:       d.History,
		models:        d.Models,
		rateLimiter:   d.RateLimiter,
		security:      d.Security,
		metrics:       d.Metrics,
		logger:        d.Logger,
		directTimeout: d.DirectTimeout,
		directTokens:  d.DirectTokens,
	}
}

// Router returns a router with every admin route registered
func (h *AdminHandler) Router() *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

// Register adds the admin routes to r
func (h *AdminHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/queue/status", h.queueStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue/concurrency", h.setConcurrency).Methods(http.MethodPost)
	api.HandleFunc("/queue/clear", h.clearQueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/pause", h.pauseQueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/resume", h.resumeQueue).Methods(http.MethodPost)

	api.HandleFunc("/settings", h.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", h.updateSettings).Methods(http.MethodPut, http.MethodPatch)

	api.HandleFunc("/bots", h.listBots).Methods(http.MethodGet)
	api.HandleFunc("/bots/{id}/status", h.setBotStatus).Methods(http.MethodPut)
	api.HandleFunc("/models", h.listModels).Methods(http.MethodGet)

	api.HandleFunc("/messages", h.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/history", h.getHistory).Methods(http.MethodGet)

	api.HandleFunc("/diagnostics/generate", h.generate).Methods(http.MethodPost)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to encode JSON response")
	}
}

// writeError maps the error taxonomy to HTTP status codes
func (h *AdminHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var ve *models.ValidationError
	var pe *models.ProviderError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		resp.Field = ve.Field
	case errors.Is(err, roster.ErrBotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, models.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.As(err, &pe):
		switch pe.Code {
		case models.CodeTimeout:
			status = http.StatusGatewayTimeout
		case models.CodeRateLimited:
			status = http.StatusTooManyRequests
		default:
			status = http.StatusBadGateway
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Admin request failed")
	}
	h.writeJSON(w, status, resp)
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return decodeBody(w, r, v, true)
}

// decodeBody reads one JSON document. Lenient bodies skip unknown keys.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return &models.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (h *AdminHandler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) queueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.queue.Status())
}

func (h *AdminHandler) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.queue.SetMaxConcurrent(body.Limit); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.queue.Status())
}

func (h *AdminHandler) clearQueue(w http.ResponseWriter, r *http.Request) {
	n := h.queue.ClearQueue()
	h.logger.WithField("cancelled", n).Info("Queue cleared by admin")
	h.writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (h *AdminHandler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	h.writeJSON(w, http.StatusOK, h.queue.Status())
}

func (h *AdminHandler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	h.writeJSON(w, http.StatusOK, h.queue.Status())
}

func (h *AdminHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.settings.Current())
}

func (h *AdminHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	// unknown keys are ignored so partial documents from other tools apply
	var patch models.SettingsPatch
	if err := decodeBody(w, r, &patch, false); err != nil {
		h.writeError(w, err)
		return
	}
	updated, err := h.settings.Update(r.Context(), patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) listBots(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.bots.All())
}

func (h *AdminHandler) setBotStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.BotStatus `json:"status"`
	}
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.bots.SetStatus(mux.Vars(r)["id"], body.Status); err != nil {
		h.writeError(w, err)
		return
	}

	online := 0
	for _, b := range h.bots.All() {
		if b.Status == models.BotOnline {
			online++
		}
	}
	h.metrics.SetOnlineBots(online)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listModels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"default": h.models.DefaultModel(),
		"models":  h.models.GetAvailableModels(),
	})
}

type messageRequest struct {
	Author    string   `json:"author"`
	Content   string   `json:"content"`
	Addressed []string `json:"addressed,omitempty"`
}

type candidateResponse struct {
	BotID  string `json:"bot_id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (h *AdminHandler) postMessage(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	author := strings.TrimSpace(body.Author)
	if author == "" {
		h.writeError(w, &models.ValidationError{Field: "author", Reason: "is required"})
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(author) {
		h.logger.WithField("author", author).Warn("Rate limit exceeded")
		h.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}
	if err := h.security.ValidateInput(body.Content); err != nil {
		h.writeError(w, &models.ValidationError{Field: "content", Reason: err.Error()})
		return
	}

	// replies outlive the HTTP request
	candidates, err := h.sink.HandleMessage(context.WithoutCancel(r.Context()), models.ConversationMessage{
		AuthorName: author,
		Content:    body.Content,
		Timestamp:  time.Now(),
	}, body.Addressed)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]candidateResponse, 0, len(candidates))
	for _, c := range candidates {
		resp = append(resp, candidateResponse{BotID: c.Bot.ID, Name: c.Bot.DisplayName, Reason: string(c.Reason)})
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{"responders": resp})
}

func (h *AdminHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.history.Snapshot())
}

type generateRequest struct {
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

// generate sends one prompt straight to the provider, bypassing the queue
func (h *AdminHandler) generate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		h.writeError(w, &models.ValidationError{Field: "prompt", Reason: "is required"})
		return
	}

	settings := h.settings.Current()
	system := body.System
	if system == "" {
		system = settings.SystemPrompt
	}
	var messages []models.Message
	if system != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: system})
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: body.Prompt})

	model := body.Model
	if model == "" {
		model = h.models.DefaultModel()
	}

	start := time.Now()
	text, err := h.queue.Direct(r.Context(), &models.GenerationRequest{
		Model:    model,
		Messages: messages,
		Params:   settings.Params(nil, h.directTokens),
	}, h.directTimeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":       model,
		"text":        text,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
