// Package ai runs the LLM-backed document analysis tools.
package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/dvloznov/mdraft/internal/reliability"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrInputTooLarge = errors.New("document too large for analysis")
	ErrEmptyInput    = errors.New("document is empty")
	ErrInvalidOutput = errors.New("model returned invalid output")
	ErrRateLimited   = errors.New("model rate limited")
	ErrUnavailable   = errors.New("model unavailable")
	ErrNotConfigured = errors.New("no model provider configured")
)

// Completion is one model response.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider is a chat-completion backend.
type Provider interface {
	Generate(ctx context.Context, system, user string, jsonMode bool) (Completion, error)
}

// Disabled is used when no API key is configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, string, bool) (Completion, error) {
	return Completion{}, reliability.Permanent(ErrNotConfigured)
}

// Category is the user-facing class of an AI failure.
type Category string

const (
	CategoryNone          Category = ""
	CategoryBadRequest    Category = "bad_request"
	CategoryTooLarge      Category = "too_large"
	CategoryRateLimited   Category = "llm_rate_limited"
	CategoryUnavailable   Category = "llm_unavailable"
	CategoryInvalidOutput Category = "llm_invalid_output"
	CategoryInternal      Category = "internal"
)

// Categorize maps an error from Service.Run to a Category.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrEmptyInput):
		return CategoryBadRequest
	case errors.Is(err, ErrInputTooLarge):
		return CategoryTooLarge
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimited
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNotConfigured), errors.Is(err, reliability.ErrCircuitOpen):
		return CategoryUnavailable
	case errors.Is(err, ErrInvalidOutput):
		return CategoryInvalidOutput
	}
	return CategoryInternal
}

// classifyProviderError tags raw SDK errors by matching status codes and
// names in the message. Rate limits and outages stay retryable.
func classifyProviderError(err error) error {
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(msg, "RATE LIMIT"):
		return errors.Join(ErrRateLimited, err)
	case strings.Contains(msg, "UNAVAILABLE"), strings.Contains(msg, "DEADLINE_EXCEEDED"),
		strings.Contains(msg, "INTERNAL"), strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"), strings.Contains(msg, "TIMEOUT"):
		return errors.Join(ErrUnavailable, err)
	}
	return reliability.Permanent(err)
}
