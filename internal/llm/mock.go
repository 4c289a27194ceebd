package llm

import (
	"context"
	"time"
)

const mockDigestRunes = 80

// MockProvider returns a deterministic placeholder without any network call
type MockProvider struct {
	model string
}

// NewMockProvider creates the offline provider
func NewMockProvider(model string) *MockProvider {
	if model == "" {
		model = "mock-v1"
	}
	return &MockProvider{model: model}
}

func (p *MockProvider) Name() string  { return ProviderMock }
func (p *MockProvider) Model() string { return p.model }

// Generate implements Provider
func (p *MockProvider) Generate(ctx context.Context, systemPrompt string, userMessage string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ProviderMock, KindTimeout, err)
	}
	start := time.Now()

	digest := []rune(userMessage)
	if len(digest) > mockDigestRunes {
		digest = digest[:mockDigestRunes]
	}
	resp := &Response{
		Content:      "[mock response] this is a placeholder analysis result for local architecture testing.\n\ninput digest: " + string(digest),
		Provider:     ProviderMock,
		Model:        p.model,
		FinishReason: "stop",
	}
	fillEstimatedUsage(resp, userMessage)
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}
