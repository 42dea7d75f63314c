package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

// CloudConfig configures a cloud provider.
type CloudConfig struct {
	Provider   Provider
	APIKey     string
	BaseURL    string // empty uses the provider default
	Model      string
	Timeout    time.Duration // bounds opening the stream, not reading it
	MaxRetries int
}

// DefaultCloudConfig returns default configuration for the provider.
func DefaultCloudConfig(p Provider, apiKey string) *CloudConfig {
	cfg := &CloudConfig{
		Provider:   p,
		APIKey:     apiKey,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
	switch p {
	case ProviderOpenAI:
		cfg.BaseURL = "https://api.openai.com/v1"
		cfg.Model = "gpt-4o-mini"
	case ProviderAnthropic:
		cfg.BaseURL = "https://api.anthropic.com/v1"
		cfg.Model = "claude-3-5-haiku-latest"
	case ProviderGemini:
		cfg.Model = "gemini-2.0-flash"
	}
	return cfg
}

// CloudClient implements CloudModel for one provider. The provider is fixed at
// construction and selects how requests are shaped and streams are parsed.
type CloudClient struct {
	cfg            *CloudConfig
	client         *http.Client
	circuitBreaker *errors.CircuitBreaker
	retryPolicy    *errors.Policy

	geminiOnce   sync.Once
	geminiClient *genai.Client
	geminiErr    error
}

// NewCloudClient creates a new cloud client.
func NewCloudClient(cfg *CloudConfig) *CloudClient {
	if cfg == nil {
		return nil
	}

	retryPolicy := &errors.Policy{
		MaxAttempts:  max(cfg.MaxRetries, 1),
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf: func(err error) bool {
			category := errors.GetCategory(err)
			return category == errors.CategoryTemporary || category == errors.CategoryRateLimit
		},
	}

	cbConfig := &errors.CircuitBreakerConfig{
		MaxFailures:      5,
		ResetTimeout:     60 * time.Second,
		HalfOpenAttempts: 2,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	return &CloudClient{
		cfg:            cfg,
		client:         &http.Client{Transport: transport},
		circuitBreaker: errors.NewCircuitBreaker(cfg.Provider.String(), cbConfig),
		retryPolicy:    retryPolicy,
	}
}

// Generate streams tokens from the provider.
func (c *CloudClient) Generate(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	if !c.IsAvailable() {
		name := "cloud"
		if c != nil {
			name = c.Name()
		}
		return failed(errors.NewBuilder(errors.CodeModelUnavailable, name+" API key not configured").
			System().
			WithSuggestion("Set the provider API key in config.toml or the environment").
			Build())
	}
	if err := req.Validate(); err != nil {
		return failed(err)
	}

	if c.cfg.Provider == ProviderGemini {
		return produce(ctx, func(emit func(string) bool) error {
			return c.streamGemini(ctx, req, emit)
		}, nil)
	}

	return produce(ctx, func(emit func(string) bool) error {
		return c.streamSSE(ctx, req, emit)
	}, nil)
}

// streamSSE opens an HTTP event stream and forwards extracted tokens.
func (c *CloudClient) streamSSE(ctx context.Context, req *Request, emit func(string) bool) error {
	var (
		url     string
		body    map[string]any
		headers map[string]string
		extract func([]byte) (string, bool, error)
	)
	switch c.cfg.Provider {
	case ProviderOpenAI:
		url, body, headers = c.openAIRequest(req)
		extract = extractOpenAI
	case ProviderAnthropic:
		url, body, headers = c.anthropicRequest(req)
		extract = extractAnthropic
	default:
		return errors.New(errors.CodeConfigInvalid, "unsupported provider "+c.cfg.Provider.String(), errors.CategoryUser)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.CodeModelInvalidResponse, "failed to marshal request", errors.CategoryPermanent)
	}

	resp, err := errors.Guard(c.circuitBreaker, func() (*http.Response, error) {
		return errors.DoWithResult(ctx, c.retryPolicy, func() (*http.Response, error) {
			return c.open(ctx, url, jsonBody, headers)
		})
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		tok, done, err := extract([]byte(payload))
		if err != nil {
			return err
		}
		if tok != "" && !emit(tok) {
			return ctx.Err()
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, errors.CodeNetworkUnavailable, "stream interrupted", errors.CategoryTemporary)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Temporary(errors.CodeModelInvalidResponse, "stream ended before completion")
}

// open sends the request and returns the response once it is known to be a
// successful stream.
func (c *CloudClient) open(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "failed to create HTTP request", errors.CategoryPermanent)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	r, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.CodeCancelled, "request cancelled", errors.CategoryPermanent)
		}
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "network request failed", errors.CategoryTemporary)
	}
	if r.StatusCode == http.StatusOK {
		return r, nil
	}

	b, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
	r.Body.Close()

	switch r.StatusCode {
	case http.StatusTooManyRequests:
		return nil, handleRateLimitError(r, b)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.NewBuilder(errors.CodeModelUnavailable, "invalid API key").
			User().
			WithSuggestion(fmt.Sprintf("Check your %s API key", c.cfg.Provider)).
			Build()
	case http.StatusBadRequest, http.StatusNotFound:
		return nil, errors.NewBuilder(errors.CodeModelInvalidResponse, "bad request - check model name and parameters").
			User().
			WithContext("response", string(b)).
			Build()
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return nil, errors.Temporary(errors.CodeModelUnavailable, fmt.Sprintf("API unavailable: %s", r.Status))
	default:
		return nil, errors.Temporary(errors.CodeModelUnavailable, fmt.Sprintf("API error (status %d): %s", r.StatusCode, string(b)))
	}
}

// handleRateLimitError builds a rate limit error honoring Retry-After.
func handleRateLimitError(r *http.Response, body []byte) error {
	retryAfter := 5 * time.Second
	if v := r.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	appErr := errors.RateLimit(errors.CodeModelRateLimit, "rate limit exceeded", retryAfter)
	if len(body) > 0 {
		appErr.Context = map[string]interface{}{"response": string(body)}
	}
	return appErr
}

// IsAvailable reports whether the client has credentials.
func (c *CloudClient) IsAvailable() bool {
	return c != nil && c.cfg != nil && c.cfg.APIKey != ""
}

// Name returns the provider name.
func (c *CloudClient) Name() string {
	return c.cfg.Provider.String()
}

// Model returns the remote model identifier.
func (c *CloudClient) Model() string {
	return c.cfg.Model
}

// BreakerState returns the circuit breaker state.
func (c *CloudClient) BreakerState() errors.State {
	return c.circuitBreaker.State()
}

// Status returns the model status.
func (c *CloudClient) Status() *ModelStatus {
	status := &ModelStatus{
		Name:      c.cfg.Model,
		Backend:   c.Name(),
		Available: c.IsAvailable(),
	}
	if s := c.circuitBreaker.State(); s != errors.StateClosed {
		status.Error = "circuit breaker " + s.String()
	}
	return status
}
