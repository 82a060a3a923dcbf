package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Custom calls an OpenAI-compatible /chat/completions endpoint over plain HTTP
type Custom struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewCustom creates a raw HTTP provider
func NewCustom(name, baseURL, apiKey string, client *http.Client, logger *logrus.Logger) *Custom {
	if client == nil {
		client = http.DefaultClient
	}
	return &Custom{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
		logger:     logger,
	}
}

type chatRequest struct {
	Model             string           `json:"model"`
	Messages          []models.Message `json:"messages"`
	Temperature       float64          `json:"temperature"`
	TopP              float64          `json:"top_p"`
	TopK              int              `json:"top_k,omitempty"`
	FrequencyPenalty  float64          `json:"frequency_penalty"`
	PresencePenalty   float64          `json:"presence_penalty"`
	RepetitionPenalty float64          `json:"repetition_penalty,omitempty"`
	MinP              float64          `json:"min_p,omitempty"`
	MaxTokens         int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs a single request attempt. Retries belong to the caller.
func (s *Custom) Complete(ctx context.Context, req *Request) (string, error) {
	body := chatRequest{
		Model:             req.Model,
		Messages:          req.Messages,
		Temperature:       req.Params.Temperature,
		TopP:              req.Params.TopP,
		FrequencyPenalty:  req.Params.FrequencyPenalty,
		PresencePenalty:   req.Params.PresencePenalty,
		RepetitionPenalty: req.Params.RepetitionPenalty,
		MinP:              req.Params.MinP,
		MaxTokens:         req.Params.MaxTokens,
	}
	// -1 disables top-k; leave it to the server default
	if req.Params.TopK > 0 {
		body.TopK = req.Params.TopK
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := s.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	s.logger.WithFields(logrus.Fields{
		"model":    req.Model,
		"endpoint": s.name,
		"messages": len(req.Messages),
	}).Debug("Sending completion request")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", classify(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.WithFields(logrus.Fields{
			"status":   resp.StatusCode,
			"endpoint": s.name,
			"body":     truncate(string(data), 512),
		}).Warn("Completion request failed")
		return "", models.ClassifyStatus(resp.StatusCode, errorMessage(data))
	}

	var result chatResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &models.ProviderError{Code: models.CodeProviderError, StatusCode: resp.StatusCode, Message: "failed to parse response", Err: err}
	}

	if result.Error.Message != "" {
		return "", &models.ProviderError{Code: models.CodeProviderError, StatusCode: resp.StatusCode, Message: result.Error.Message}
	}

	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", &models.ProviderError{Code: models.CodeProviderError, StatusCode: resp.StatusCode, Message: "empty completion"}
	}

	return result.Choices[0].Message.Content, nil
}

func errorMessage(body []byte) string {
	var result chatResponse
	if err := json.Unmarshal(body, &result); err == nil && result.Error.Message != "" {
		return result.Error.Message
	}
	return truncate(strings.TrimSpace(string(body)), 256)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
