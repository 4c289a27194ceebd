// Package llm adapts heterogeneous LLM backends to one Generate capability
// with a normalized error taxonomy.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// SystemPrompt is the fixed persona of every analysis call
const SystemPrompt = "你是一个熟练紫微斗数的大师，请根据用户需求进行紫微斗数命盘分析。"

// Provider generates a completion for a system prompt and a user message.
// The deadline of ctx bounds the call.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, systemPrompt string, userMessage string) (*Response, error)
}

// Response is the normalized output of a provider call
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LatencyMs    int64
	Provider     string
	Model        string
	FinishReason string
}

// Kind classifies provider failures
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindInvalidResponse Kind = "invalid_response"
	KindUnknown         Kind = "unknown"
)

// Error is a provider failure normalized into the taxonomy
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed if attempted again
func (e *Error) Retryable() bool {
	return e.Kind != KindInvalidResponse
}

// KindOf returns the kind of a classified error, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(provider string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}
