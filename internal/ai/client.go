// Package ai wraps the generative-language providers used as a fallback
// data source. Every call goes through one Client that applies a per-call
// timeout, retry with exponential backoff, a circuit breaker, and a
// concurrency limit, regardless of which provider backs it.
package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Supported providers
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Default models per provider. DISTENGINE_FALLBACK_MODEL or the config file
// override these.
const (
	ModelAnthropic = "claude-sonnet-4-5-20250929"
	ModelOpenAI    = "gpt-4o-mini"
	ModelGemini    = "gemini-2.5-flash"
)

const defaultMaxTokens = 2048

// ErrEmptyResponse is returned when a provider answers with no text
var ErrEmptyResponse = errors.New("provider returned an empty response")

// Usage is the token accounting reported by a provider
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// backend is a single provider call with no retry or limiting
type backend interface {
	provider() string
	complete(ctx context.Context, model, prompt string, maxTokens int) (string, Usage, error)
}

// Config holds client configuration
type Config struct {
	Provider  string      // anthropic, openai or gemini
	APIKey    string      // if empty, read from the provider's usual env var
	Model     string      // default depends on provider
	MaxTokens int         // default 2048
	Retry     RetryConfig // uses defaults if MaxRetries is 0
	Logger    *zap.Logger
}

// Client makes text-generation calls against one provider
type Client struct {
	backend        backend
	model          string
	maxTokens      int
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	log            *zap.Logger
}

// New creates a client for the configured provider
func New(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = apiKeyFromEnv(cfg.Provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for provider %q", cfg.Provider)
	}

	var (
		b   backend
		err error
	)
	switch cfg.Provider {
	case ProviderAnthropic:
		b = newAnthropicBackend(apiKey)
	case ProviderOpenAI:
		b = newOpenAIBackend(apiKey)
	case ProviderGemini:
		b, err = newGeminiBackend(ctx, apiKey)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return newClient(b, cfg), nil
}

func newClient(b backend, cfg Config) *Client {
	model := cfg.Model
	if model == "" {
		model = defaultModel(b.provider())
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("provider", b.provider()), zap.String("model", model))

	var circuitBreaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout, log)
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	return &Client{
		backend:        b,
		model:          model,
		maxTokens:      maxTokens,
		retry:          retry,
		circuitBreaker: circuitBreaker,
		concurrencySem: concurrencySem,
		log:            log,
	}
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return c.backend.provider()
}

// Model returns the model used for calls
func (c *Client) Model() string {
	return c.model
}

// Generate sends a single prompt and returns the response text
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()

	var (
		text  string
		usage Usage
	)
	err := c.retryWithBackoff(ctx, "generate", func(attemptCtx context.Context) error {
		out, u, err := c.backend.complete(attemptCtx, c.model, prompt, c.maxTokens)
		if err != nil {
			return err
		}
		if out == "" {
			return ErrEmptyResponse
		}
		text, usage = out, u
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s call failed: %w", c.backend.provider(), err)
	}

	c.log.Debug("AI call completed",
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Duration("duration", time.Since(start)))
	return text, nil
}

// HealthCheck fails fast when the circuit breaker is open
func (c *Client) HealthCheck() error {
	if c.circuitBreaker == nil {
		return nil
	}
	state, failures, _ := c.circuitBreaker.GetMetrics()
	if state == CircuitOpen {
		return fmt.Errorf("%s unavailable: %w (failures=%d, retry in %v)",
			c.backend.provider(), ErrCircuitOpen, failures, c.retry.OpenTimeout)
	}
	return nil
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return ModelOpenAI
	case ProviderGemini:
		return ModelGemini
	default:
		return ModelAnthropic
	}
}

func apiKeyFromEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}
