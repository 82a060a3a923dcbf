package models

import (
	"time"
)

// Message represents a provider chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BotStatus is the presence state of a bot
type BotStatus string

const (
	BotOnline  BotStatus = "online"
	BotAway    BotStatus = "away"
	BotOffline BotStatus = "offline"
)

// Valid reports whether s is a known status
func (s BotStatus) Valid() bool {
	switch s {
	case BotOnline, BotAway, BotOffline:
		return true
	}
	return false
}

// Bot is an LLM-driven chat participant
type Bot struct {
	ID              string               `json:"id" yaml:"id"`
	DisplayName     string               `json:"display_name" yaml:"display_name"`
	Avatar          string               `json:"avatar,omitempty" yaml:"avatar"`
	Status          BotStatus            `json:"status" yaml:"status"`
	Description     string               `json:"description,omitempty" yaml:"description"`
	SystemPrompt    string               `json:"system_prompt,omitempty" yaml:"system_prompt"`
	FirstMessage    string               `json:"first_message,omitempty" yaml:"first_message"`
	ExampleMessages []string             `json:"example_messages,omitempty" yaml:"example_messages"`
	Model           string               `json:"model,omitempty" yaml:"model"`
	ContextLength   int                  `json:"context_length,omitempty" yaml:"context_length"`
	Overrides       *GenerationOverrides `json:"overrides,omitempty" yaml:"overrides"`
	LastActive      time.Time            `json:"last_active,omitempty" yaml:"-"`
}

// GenerationOverrides holds the sparse per-bot generation settings.
// A nil field means "use the global value".
type GenerationOverrides struct {
	SystemPrompt      string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p"`
	TopK              *int     `json:"top_k,omitempty" yaml:"top_k"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty"`
	MinP              *float64 `json:"min_p,omitempty" yaml:"min_p"`
}

// SamplingParams are the provider sampling parameters for one request
type SamplingParams struct {
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	TopK              int     `json:"top_k"`
	FrequencyPenalty  float64 `json:"frequency_penalty"`
	PresencePenalty   float64 `json:"presence_penalty"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	MinP              float64 `json:"min_p"`
	MaxTokens         int     `json:"max_tokens"`
}

// GenerationSettings are the global, persisted generation settings
type GenerationSettings struct {
	SystemPrompt      string  `json:"system_prompt" yaml:"system_prompt" mapstructure:"system_prompt"`
	Temperature       float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	TopP              float64 `json:"top_p" yaml:"top_p" mapstructure:"top_p"`
	TopK              int     `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	FrequencyPenalty  float64 `json:"frequency_penalty" yaml:"frequency_penalty" mapstructure:"frequency_penalty"`
	PresencePenalty   float64 `json:"presence_penalty" yaml:"presence_penalty" mapstructure:"presence_penalty"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty" mapstructure:"repetition_penalty"`
	MinP              float64 `json:"min_p" yaml:"min_p" mapstructure:"min_p"`
}

// SettingsPatch is a partial update of GenerationSettings. Nil fields keep their value.
type SettingsPatch struct {
	SystemPrompt      *string  `json:"system_prompt,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	MinP              *float64 `json:"min_p,omitempty"`
}

// Apply returns s with the non-nil patch fields merged over it
func (p SettingsPatch) Apply(s GenerationSettings) GenerationSettings {
	if p.SystemPrompt != nil {
		s.SystemPrompt = *p.SystemPrompt
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		s.TopP = *p.TopP
	}
	if p.TopK != nil {
		s.TopK = *p.TopK
	}
	if p.FrequencyPenalty != nil {
		s.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		s.PresencePenalty = *p.PresencePenalty
	}
	if p.RepetitionPenalty != nil {
		s.RepetitionPenalty = *p.RepetitionPenalty
	}
	if p.MinP != nil {
		s.MinP = *p.MinP
	}
	return s
}

// Params converts the settings into sampling params, applying bot overrides on top
func (s GenerationSettings) Params(o *GenerationOverrides, maxTokens int) SamplingParams {
	p := SamplingParams{
		Temperature:       s.Temperature,
		TopP:              s.TopP,
		TopK:              s.TopK,
		FrequencyPenalty:  s.FrequencyPenalty,
		PresencePenalty:   s.PresencePenalty,
		RepetitionPenalty: s.RepetitionPenalty,
		MinP:              s.MinP,
		MaxTokens:         maxTokens,
	}
	if o == nil {
		return p
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		p.TopP = *o.TopP
	}
	if o.TopK != nil {
		p.TopK = *o.TopK
	}
	if o.FrequencyPenalty != nil {
		p.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		p.PresencePenalty = *o.PresencePenalty
	}
	if o.RepetitionPenalty != nil {
		p.RepetitionPenalty = *o.RepetitionPenalty
	}
	if o.MinP != nil {
		p.MinP = *o.MinP
	}
	return p
}

// ConversationMessage is one entry of the rolling chat history
type ConversationMessage struct {
	Content    string    `json:"content"`
	AuthorName string    `json:"author_name"`
	BotID      string    `json:"bot_id,omitempty"`
	IsBot      bool      `json:"is_bot"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResponseReason explains why a bot was selected to respond
type ResponseReason string

const (
	ReasonAddressed    ResponseReason = "addressed"
	ReasonMentioned    ResponseReason = "mentioned"
	ReasonQuestionRoll ResponseReason = "question-roll"
	ReasonRandomRoll   ResponseReason = "random-roll"
)

// ResponseCandidate is a bot chosen to answer one incoming message
type ResponseCandidate struct {
	Bot    Bot            `json:"bot"`
	Reason ResponseReason `json:"reason"`
}

// RequestStatus is the lifecycle state of a GenerationRequest
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusRetrying   RequestStatus = "retrying"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// GenerationRequest is a unit of work submitted to the request queue
type GenerationRequest struct {
	ID           string
	Model        string
	Messages     []Message
	Params       SamplingParams
	Priority     int
	BotID        string
	BotName      string
	FallbackText string
	// Fingerprint identifies equivalent submissions (same bot + same trigger).
	Fingerprint string
	RetryCount  int
	Status      RequestStatus
	CreatedAt   time.Time
}

// GenerationResult is the terminal outcome of a GenerationRequest
type GenerationResult struct {
	RequestID string
	BotID     string
	Text      string
	Fallback  bool
	Attempts  int
	// Err is the last provider error when Fallback is set
	Err error
}

// QueueStatus is the administrative snapshot of the request queue
type QueueStatus struct {
	MaxConcurrent  int   `json:"max_concurrent"`
	Active         int   `json:"active"`
	Queued         int   `json:"queued"`
	MaxQueueSize   int   `json:"max_queue_size"`
	CanAccept      bool  `json:"can_accept"`
	Paused         bool  `json:"paused"`
	RateLimitDelay int64 `json:"rate_limit_delay_ms"`
}
