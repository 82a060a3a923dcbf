package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI calls the Chat Completions API through the official SDK
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an SDK-backed provider. SDK retries are disabled, the
// request queue owns retry policy.
func NewOpenAI(baseURL, apiKey string, timeout time.Duration) *OpenAI {
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
	return &OpenAI{client: openai.NewClient(opts...)}
}

func (p *OpenAI) Complete(ctx context.Context, req *Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:         messages,
		Model:            openai.ChatModel(req.Model),
		Temperature:      openai.Float(req.Params.Temperature),
		TopP:             openai.Float(req.Params.TopP),
		FrequencyPenalty: openai.Float(req.Params.FrequencyPenalty),
		PresencePenalty:  openai.Float(req.Params.PresencePenalty),
	}
	if req.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.Params.MaxTokens))
	}

	// sampling knobs outside the OpenAI schema, honoured by compatible servers
	var extra []option.RequestOption
	if req.Params.TopK > 0 {
		extra = append(extra, option.WithJSONSet("top_k", req.Params.TopK))
	}
	if req.Params.MinP > 0 {
		extra = append(extra, option.WithJSONSet("min_p", req.Params.MinP))
	}
	if req.Params.RepetitionPenalty > 0 && req.Params.RepetitionPenalty != 1 {
		extra = append(extra, option.WithJSONSet("repetition_penalty", req.Params.RepetitionPenalty))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, extra...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			pe := models.ClassifyStatus(apiErr.StatusCode, err.Error())
			pe.Err = err
			return "", pe
		}
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &models.ProviderError{Code: models.CodeProviderError, Message: "empty completion"}
	}
	return resp.Choices[0].Message.Content, nil
}
