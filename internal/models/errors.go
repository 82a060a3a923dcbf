package models

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Admission errors returned synchronously by the request queue
var (
	ErrQueueFull        = errors.New("request queue is full")
	ErrDuplicateRequest = errors.New("equivalent request already queued")
	ErrRequestCancelled = errors.New("request cancelled before dispatch")
)

// ValidationError reports a malformed setting or parameter
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// ErrorCode classifies provider failures
type ErrorCode string

const (
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeProviderError  ErrorCode = "provider_error"
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeTimeout        ErrorCode = "timeout"
)

// ProviderError is a failure reported by the completion provider
type ProviderError struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is a rate-limit signal from the provider
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == CodeRateLimited
}

// IsFatal reports whether retrying err is pointless
func IsFatal(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == CodeInvalidRequest
}

// ClassifyStatus maps an HTTP status from a provider into a ProviderError
func ClassifyStatus(status int, message string) *ProviderError {
	code := CodeProviderError
	switch {
	case status == 429:
		code = CodeRateLimited
	case status == 408:
		code = CodeTimeout
	case status >= 400 && status < 500:
		code = CodeInvalidRequest
	}
	return &ProviderError{Code: code, StatusCode: status, Message: message}
}

func invalid(field string, value interface{}, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// Validate checks every field against its documented range
func (s GenerationSettings) Validate() error {
	return SamplingParams{
		Temperature:       s.Temperature,
		TopP:              s.TopP,
		TopK:              s.TopK,
		FrequencyPenalty:  s.FrequencyPenalty,
		PresencePenalty:   s.PresencePenalty,
		RepetitionPenalty: s.RepetitionPenalty,
		MinP:              s.MinP,
	}.Validate()
}

// Validate checks each set override against the range of its setting. Unset
// fields are not checked.
func (o *GenerationOverrides) Validate() error {
	if o == nil {
		return nil
	}
	neutral := GenerationSettings{Temperature: 1, TopP: 1, TopK: -1, RepetitionPenalty: 1}
	return neutral.Params(o, 0).Validate()
}

// Validate checks the sampling parameters against their documented ranges
func (p SamplingParams) Validate() error {
	if !inRange(p.Temperature, 0, 2) {
		return invalid("temperature", p.Temperature, "must be within [0, 2]")
	}
	if math.IsNaN(p.TopP) || p.TopP <= 0 || p.TopP > 1 {
		return invalid("top_p", p.TopP, "must be within (0, 1]")
	}
	if p.TopK != -1 && p.TopK < 1 {
		return invalid("top_k", p.TopK, "must be -1 or >= 1")
	}
	if !inRange(p.FrequencyPenalty, -2, 2) {
		return invalid("frequency_penalty", p.FrequencyPenalty, "must be within [-2, 2]")
	}
	if !inRange(p.PresencePenalty, -2, 2) {
		return invalid("presence_penalty", p.PresencePenalty, "must be within [-2, 2]")
	}
	if !inRange(p.RepetitionPenalty, 0.1, 2) {
		return invalid("repetition_penalty", p.RepetitionPenalty, "must be within [0.1, 2]")
	}
	if !inRange(p.MinP, 0, 1) {
		return invalid("min_p", p.MinP, "must be within [0, 1]")
	}
	if p.MaxTokens < 0 {
		return invalid("max_tokens", p.MaxTokens, "must not be negative")
	}
	return nil
}
