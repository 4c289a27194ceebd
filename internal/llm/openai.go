package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint.
// Volcano Ark, DeepSeek, DashScope (aliyun/qwen) and Zhipu GLM all expose one.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	model  string
}

// NewOpenAIProvider creates a provider for one vendor endpoint
func NewOpenAIProvider(name, apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	// the per-call deadline comes from ctx; no client-wide timeout
	cfg.HTTPClient = &http.Client{}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		name:   name,
		model:  model,
	}
}

// Name returns the vendor name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Model returns the model requested from the vendor
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Generate implements Provider
func (p *OpenAIProvider) Generate(ctx context.Context, systemPrompt string, userMessage string) (*Response, error) {
	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
	})
	latency := time.Since(start)
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, newError(p.name, KindInvalidResponse, errors.New("response has no choices"))
	}
	choice := resp.Choices[0]
	content := choice.Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, newError(p.name, KindInvalidResponse,
			fmt.Errorf("empty content (finish_reason=%s)", choice.FinishReason))
	}

	out := &Response{
		Content:      content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		LatencyMs:    latency.Milliseconds(),
		Provider:     p.name,
		Model:        p.model,
		FinishReason: string(choice.FinishReason),
	}
	if out.TotalTokens == 0 {
		fillEstimatedUsage(out, userMessage)
	}

	slog.Debug("llm call completed",
		"provider", p.name, "model", p.model,
		"latency_ms", out.LatencyMs, "finish_reason", out.FinishReason)
	return out, nil
}

func (p *OpenAIProvider) classify(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(p.name, KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(p.name, KindTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newError(p.name, kindForStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newError(p.name, kindForStatus(reqErr.HTTPStatusCode), err)
	}

	return newError(p.name, KindUnknown, err)
}

// kindForStatus maps an upstream HTTP status. Other 4xx mean the request or
// credentials are wrong, which retrying cannot fix.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindInvalidResponse
	}
	return KindUnknown
}
