package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/config"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
)

// fakeVendor serves the OpenAI chat completion route, answering each call
// with the next status from statuses (200 once they run out)
func fakeVendor(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		status := http.StatusOK
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream says no","type":"server_error"}}`))
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "分析: " + req.Messages[1].Content},
			}},
			"usage": map[string]any{"prompt_tokens": 11, "completion_tokens": 22, "total_tokens": 33},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func fastClient(retries int) *Client {
	return NewClient(ClientOptions{Timeout: 5 * time.Second, MaxRetries: retries, InitialBackoff: time.Millisecond})
}

func TestOpenAIProvider_Generate(t *testing.T) {
	srv, _ := fakeVendor(t)
	p := NewOpenAIProvider(ProviderDeepSeek, "test-key", srv.URL+"/", "deepseek-chat")

	resp, err := p.Generate(context.Background(), SystemPrompt, "命盘")
	require.NoError(t, err)
	assert.Equal(t, "分析: 命盘", resp.Content)
	assert.Equal(t, 11, resp.InputTokens)
	assert.Equal(t, 22, resp.OutputTokens)
	assert.Equal(t, 33, resp.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "deepseek-chat", resp.Model)
}

func TestOpenAIProvider_ClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusUnauthorized, KindInvalidResponse},
		{http.StatusInternalServerError, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv, _ := fakeVendor(t, tc.status)
			p := NewOpenAIProvider(ProviderGLM, "test-key", srv.URL, "glm-4")
			_, err := p.Generate(context.Background(), SystemPrompt, "x")
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestOpenAIProvider_EmptyContentIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"finish_reason":"length","message":{"role":"assistant","content":"  "}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderQwen, "test-key", srv.URL, "qwen-max")
	_, err := p.Generate(context.Background(), SystemPrompt, "x")
	require.Error(t, err)
	assert.Equal(t, KindInvalidResponse, KindOf(err))
}

func TestOpenAIProvider_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderVolcano, "test-key", srv.URL, "ep-1")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, SystemPrompt, "x")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestClient_RetriesRetryableFailures(t *testing.T) {
	srv, calls := fakeVendor(t, http.StatusBadGateway, http.StatusTooManyRequests)
	p := NewOpenAIProvider(ProviderDeepSeek, "test-key", srv.URL, "deepseek-chat")

	resp, err := fastClient(2).Generate(context.Background(), p, SystemPrompt, "命盘")
	require.NoError(t, err)
	assert.Equal(t, "分析: 命盘", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestClient_StopsAfterMaxRetries(t *testing.T) {
	srv, calls := fakeVendor(t, 500, 500, 500, 500)
	p := NewOpenAIProvider(ProviderDeepSeek, "test-key", srv.URL, "deepseek-chat")

	_, err := fastClient(1).Generate(context.Background(), p, SystemPrompt, "x")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	appErr := ToAppError(err)
	assert.Equal(t, apperr.CodeLLMUpstream, appErr.Code)
	assert.True(t, appErr.Retryable)
}

func TestClient_InvalidResponseIsNotRetried(t *testing.T) {
	srv, calls := fakeVendor(t, http.StatusBadRequest, http.StatusBadRequest)
	p := NewOpenAIProvider(ProviderDeepSeek, "test-key", srv.URL, "deepseek-chat")

	_, err := fastClient(2).Generate(context.Background(), p, SystemPrompt, "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	appErr := ToAppError(err)
	assert.Equal(t, apperr.CodeLLMInvalid, appErr.Code)
	assert.False(t, appErr.Retryable)
}

type blockingProvider struct{ started chan struct{} }

func (b *blockingProvider) Name() string  { return "blocking" }
func (b *blockingProvider) Model() string { return "m" }
func (b *blockingProvider) Generate(ctx context.Context, _, _ string) (*Response, error) {
	close(b.started)
	<-ctx.Done()
	return nil, newError("blocking", KindTimeout, ctx.Err())
}

func TestClient_ParentCancelIsNotAnLLMError(t *testing.T) {
	p := &blockingProvider{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-p.started
		cancel()
	}()
	_, err := fastClient(2).Generate(ctx, p, SystemPrompt, "x")
	assert.ErrorIs(t, err, context.Canceled)

	var llmErr *Error
	assert.False(t, errors.As(err, &llmErr))
}

func TestToAppError_Kinds(t *testing.T) {
	assert.Equal(t, apperr.CodeLLMTimeout, ToAppError(newError("x", KindTimeout, errors.New("t"))).Code)
	assert.Equal(t, apperr.CodeRateLimited, ToAppError(newError("x", KindRateLimited, errors.New("r"))).Code)
	assert.Equal(t, apperr.CodeLLMUpstream, ToAppError(errors.New("plain")).Code)
}

func TestMockProvider(t *testing.T) {
	long := strings.Repeat("紫", 100)
	resp, err := NewMockProvider("").Generate(context.Background(), SystemPrompt, long)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Content, "[mock response]"))
	assert.True(t, strings.HasSuffix(resp.Content, "input digest: "+strings.Repeat("紫", 80)))
	assert.Equal(t, "mock-v1", resp.Model)
	assert.Equal(t, resp.InputTokens+resp.OutputTokens, resp.TotalTokens)
	assert.Positive(t, resp.InputTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 2, EstimateTokens("紫微"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
	assert.Equal(t, 3, EstimateTokens("紫微abc"))
}

func TestBuildPrompt(t *testing.T) {
	msg, err := BuildPrompt("v1", models.AnalysisChallenges, "命宫: 紫微")
	require.NoError(t, err)
	assert.Equal(t, "参考紫微斗数思路对命主与另一半的困难和挑战进行分析，命盘如下:\n命宫: 紫微", msg)

	_, err = BuildPrompt("v9", models.AnalysisChallenges, "")
	assert.Error(t, err)
	_, err = BuildPrompt("v1", "career", "")
	assert.Error(t, err)
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry(map[string]config.Vendor{
		ProviderVolcano:  {APIKey: "k", BaseURL: "http://ark", Model: "ep-123"},
		ProviderDeepSeek: {BaseURL: "http://ds"},
	})

	p, err := reg.Get(ProviderMock, "mock-v1")
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, p.Name())

	p, err = reg.Get(ProviderVolcano, "deepseek-r1")
	require.NoError(t, err)
	assert.Equal(t, "ep-123", p.Model())

	_, err = reg.Get(ProviderDeepSeek, "deepseek-chat")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeLLMUpstream, appErr.Code)
	assert.True(t, appErr.Retryable)

	_, err = reg.Get("openrouter", "x")
	appErr, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeUnsupported, appErr.Code)
	assert.Contains(t, appErr.Message, "supported: deepseek, mock, volcano")
	assert.False(t, reg.Supported("openrouter"))
	assert.True(t, reg.Supported(ProviderDeepSeek))
}
