package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/metrics"
)

// ClientOptions tune timeouts and retries of LLM calls
type ClientOptions struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

// Client runs provider calls with a per-attempt timeout and bounded
// exponential backoff
type Client struct {
	opts ClientOptions
}

// NewClient creates a client; zero options fall back to defaults
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 1800 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Client{opts: opts}
}

// Generate calls p until it succeeds, fails permanently or runs out of
// attempts. Cancellation of ctx is returned as the context error.
func (c *Client) Generate(ctx context.Context, p Provider, systemPrompt, userMessage string) (*Response, error) {
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		resp, err := p.Generate(callCtx, systemPrompt, userMessage)
		if err == nil {
			metrics.LLMCalls.WithLabelValues(p.Name(), "ok").Inc()
			metrics.LLMTokens.WithLabelValues(p.Name(), "input").Add(float64(resp.InputTokens))
			metrics.LLMTokens.WithLabelValues(p.Name(), "output").Add(float64(resp.OutputTokens))
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, backoff.Permanent(context.Cause(ctx))
		}

		var llmErr *Error
		if !errors.As(err, &llmErr) {
			llmErr = newError(p.Name(), KindUnknown, err)
		}
		metrics.LLMCalls.WithLabelValues(p.Name(), string(llmErr.Kind)).Inc()
		slog.Warn("llm attempt failed",
			"provider", p.Name(), "model", p.Model(), "attempt", attempt,
			"kind", llmErr.Kind, "error", llmErr.Err)

		if !llmErr.Retryable() {
			return nil, backoff.Permanent(llmErr)
		}
		return nil, llmErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.opts.InitialBackoff << c.opts.MaxRetries

	tries := uint(c.opts.MaxRetries + 1)
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(c.opts.Timeout*time.Duration(tries)+b.MaxInterval*time.Duration(tries)),
	)
}

// ToAppError classifies an LLM failure for storage on a task
func ToAppError(err error) *apperr.Error {
	if e, ok := apperr.As(err); ok {
		return e
	}
	var llmErr *Error
	if !errors.As(err, &llmErr) {
		return apperr.Wrap(err, apperr.CodeLLMUpstream, "llm provider error: "+err.Error(), http.StatusBadGateway, true)
	}
	switch llmErr.Kind {
	case KindTimeout:
		return apperr.Wrap(err, apperr.CodeLLMTimeout, "llm request timed out", http.StatusGatewayTimeout, true)
	case KindRateLimited:
		return apperr.Wrap(err, apperr.CodeRateLimited, "llm provider rate limited", http.StatusTooManyRequests, true)
	case KindInvalidResponse:
		return apperr.Wrap(err, apperr.CodeLLMInvalid, "llm returned an invalid response: "+llmErr.Err.Error(), http.StatusBadGateway, false)
	}
	return apperr.Wrap(err, apperr.CodeLLMUpstream, "llm provider error: "+llmErr.Err.Error(), http.StatusBadGateway, true)
}
