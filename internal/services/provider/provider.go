package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Request is one completion call
type Request struct {
	Model    string
	Messages []models.Message
	Params   models.SamplingParams
}

// Provider turns a prompt into generated text. Failures are *models.ProviderError.
type Provider interface {
	Complete(ctx context.Context, req *Request) (string, error)
}

// ModelOption represents a model option with endpoint info
type ModelOption struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EndpointName  string `json:"endpoint"`
	MaxTokens     int    `json:"max_tokens"`
	ContextLength int    `json:"context_length"`
}

// Router dispatches requests to the endpoint serving the requested model
type Router struct {
	defaultModel string
	providers    map[string]Provider
	models       map[string]*ModelOption
	logger       *logrus.Logger
}

// NewRouter builds one provider per configured endpoint
func NewRouter(cfg *config.ProvidersConfig, logger *logrus.Logger) (*Router, error) {
	r := &Router{
		defaultModel: cfg.Default,
		providers:    make(map[string]Provider),
		models:       make(map[string]*ModelOption),
		logger:       logger,
	}

	logger.WithField("endpointCount", len(cfg.Endpoints)).Info("Loading completion endpoints")

	for i := range cfg.Endpoints {
		endpoint := &cfg.Endpoints[i]

		p, err := newEndpointProvider(endpoint, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(endpoint.Name, p, endpoint.Models); err != nil {
			return nil, err
		}

		logger.WithFields(logrus.Fields{
			"endpoint": endpoint.Name,
			"type":     endpoint.Type,
			"baseURL":  endpoint.BaseURL,
			"models":   len(endpoint.Models),
		}).Info("Loaded endpoint")
	}

	if r.defaultModel == "" {
		// first model in config order
		for _, ep := range cfg.Endpoints {
			if len(ep.Models) > 0 {
				r.defaultModel = ep.Models[0].ID
				break
			}
		}
	}
	if _, ok := r.models[r.defaultModel]; !ok {
		return nil, fmt.Errorf("default model %q is not served by any endpoint", r.defaultModel)
	}

	logger.WithFields(logrus.Fields{
		"totalModels":  len(r.models),
		"defaultModel": r.defaultModel,
	}).Info("Completion router initialized")
	return r, nil
}

func newEndpointProvider(ep *config.ModelEndpoint, logger *logrus.Logger) (Provider, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	switch ep.Type {
	case "", "custom":
		return NewCustom(ep.Name, ep.BaseURL, ep.APIKey, &http.Client{Timeout: timeout}, logger), nil
	case "openai":
		return NewOpenAI(ep.BaseURL, ep.APIKey, timeout), nil
	case "anthropic":
		return NewAnthropic(ep.BaseURL, ep.APIKey, timeout), nil
	}
	return nil, fmt.Errorf("endpoint %s: unsupported type %q", ep.Name, ep.Type)
}

// Register adds a provider serving the given models under endpoint name
func (r *Router) Register(endpoint string, p Provider, served []config.ModelInfo) error {
	if _, exists := r.providers[endpoint]; exists {
		return fmt.Errorf("duplicate endpoint: %s", endpoint)
	}
	r.providers[endpoint] = p
	for _, m := range served {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		r.models[m.ID] = &ModelOption{
			ID:            m.ID,
			Name:          name,
			EndpointName:  endpoint,
			MaxTokens:     m.MaxTokens,
			ContextLength: m.ContextLength,
		}
	}
	return nil
}

// Complete routes req by model id; an empty model uses the default
func (r *Router) Complete(ctx context.Context, req *Request) (string, error) {
	routed := *req
	if routed.Model == "" {
		routed.Model = r.defaultModel
	}
	m, err := r.GetModelByID(routed.Model)
	if err != nil {
		return "", &models.ProviderError{Code: models.CodeInvalidRequest, Message: err.Error(), Err: err}
	}
	return r.providers[m.EndpointName].Complete(ctx, &routed)
}

// DefaultModel returns the model used when a bot names none
func (r *Router) DefaultModel() string {
	return r.defaultModel
}

// GetModelByID returns a model by its ID
func (r *Router) GetModelByID(modelID string) (*ModelOption, error) {
	model, exists := r.models[modelID]
	if !exists {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	return model, nil
}

// GetAvailableModels returns all available models sorted by id
func (r *Router) GetAvailableModels() []ModelOption {
	out := make([]ModelOption, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// classify turns a transport failure into a ProviderError
func classify(err error) error {
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.ProviderError{Code: models.CodeTimeout, Message: err.Error(), Err: err}
	}
	return &models.ProviderError{Code: models.CodeProviderError, Message: err.Error(), Err: err}
}
