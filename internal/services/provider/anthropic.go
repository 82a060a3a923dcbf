package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cf-ai-groupchat-go/internal/models"
)

// defaultAnthropicMaxTokens is sent when the request leaves max_tokens unset;
// the Messages API requires it.
const defaultAnthropicMaxTokens = 1024

// Anthropic calls the Messages API through the official SDK
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an SDK-backed provider with SDK retries disabled
func NewAnthropic(baseURL, apiKey string, timeout time.Duration) *Anthropic {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

func (p *Anthropic) Complete(ctx context.Context, req *Request) (string, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case models.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(messages) == 0 {
		return "", &models.ProviderError{Code: models.CodeInvalidRequest, Message: "no conversation messages"}
	}

	maxTokens := int64(req.Params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
		// the Messages API caps temperature at 1
		Temperature: anthropic.Float(min(req.Params.Temperature, 1)),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Params.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.Params.TopK))
	}
	if req.Params.TopP > 0 && req.Params.TopP < 1 {
		params.TopP = anthropic.Float(req.Params.TopP)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			pe := models.ClassifyStatus(apiErr.StatusCode, err.Error())
			pe.Err = err
			return "", pe
		}
		return "", classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", &models.ProviderError{Code: models.CodeProviderError, Message: "empty completion"}
	}
	return sb.String(), nil
}
