package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

// LocalConfig configures the on-device model server.
type LocalConfig struct {
	BaseURL string // Default: http://localhost:11434
	Model   string // e.g., "llama3.2:3b"

	// LoadTimeout bounds the wait for response headers, which covers model
	// loading on the server side.
	LoadTimeout time.Duration
}

// DefaultLocalConfig returns default configuration for a local Ollama server.
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		BaseURL:     "http://localhost:11434",
		Model:       "llama3.2:3b",
		LoadTimeout: 60 * time.Second,
	}
}

// LocalClient implements DeviceModel against an Ollama-compatible server.
type LocalClient struct {
	cfg    *LocalConfig
	client *http.Client

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	ready    bool
}

// NewLocalClient creates a new local client.
func NewLocalClient(cfg *LocalConfig) *LocalClient {
	if cfg == nil {
		cfg = DefaultLocalConfig()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.LoadTimeout

	return &LocalClient{
		cfg: cfg,
		// No overall timeout: a stream lasts as long as generation does.
		client:   &http.Client{Transport: transport},
		inflight: make(map[string]context.CancelFunc),
	}
}

// Initialize checks that the server is reachable and has the model.
func (c *LocalClient) Initialize(ctx context.Context) error {
	models, err := c.listModels(ctx)
	if err != nil {
		return err
	}

	for _, name := range models {
		if name == c.cfg.Model || strings.TrimSuffix(name, ":latest") == c.cfg.Model {
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			return nil
		}
	}

	return errors.NewBuilder(errors.CodeModelUnavailable, fmt.Sprintf("model %s is not installed", c.cfg.Model)).
		System().
		WithSuggestion(fmt.Sprintf("Run: ollama pull %s", c.cfg.Model)).
		WithContext("available", models).
		Build()
}

func (c *LocalClient) listModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "failed to create HTTP request", errors.CategorySystem)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewBuilder(errors.CodeNetworkUnavailable, "local model server unreachable").
			Temporary().
			Wrap(err).
			WithSuggestion("Start the server with: ollama serve").
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Temporary(errors.CodeModelUnavailable, fmt.Sprintf("list models: %s", resp.Status))
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, errors.CodeModelParseError, "failed to parse model list", errors.CategoryPermanent)
	}

	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Generate streams NDJSON chunks from /api/generate.
func (c *LocalClient) Generate(ctx context.Context, requestID string, req *Request) (<-chan string, <-chan error) {
	if err := req.Validate(); err != nil {
		return failed(err)
	}

	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[requestID] = cancel
	c.mu.Unlock()

	// The stream context is cancelled only after produce has judged the
	// outcome, so a clean end is not mistaken for an abort.
	return produce(sctx, func(emit func(string) bool) error {
		return c.stream(sctx, req, emit)
	}, func() {
		c.mu.Lock()
		delete(c.inflight, requestID)
		c.mu.Unlock()
		cancel()
	})
}

func (c *LocalClient) stream(ctx context.Context, req *Request, emit func(string) bool) error {
	options := map[string]any{"num_predict": req.maxTokens()}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	body := map[string]any{
		"model":   c.cfg.Model,
		"prompt":  req.Prompt,
		"stream":  true,
		"options": options,
	}
	if req.System != "" {
		body["system"] = req.System
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.CodeModelInvalidResponse, "failed to marshal request", errors.CategoryPermanent)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return errors.Wrap(err, errors.CodeNetworkUnavailable, "failed to create HTTP request", errors.CategorySystem)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, errors.CodeNetworkUnavailable, "network request failed", errors.CategoryTemporary)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Temporary(errors.CodeModelUnavailable, fmt.Sprintf("generate failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		// Skip garbage lines; a server mid-reload may emit partial JSON.
		if len(bytes.TrimSpace(line)) == 0 || !gjson.ValidBytes(line) {
			continue
		}

		chunk := gjson.ParseBytes(line)
		if msg := chunk.Get("error").String(); msg != "" {
			return errors.Temporary(errors.CodeModelUnavailable, msg)
		}
		if tok := chunk.Get("response").String(); tok != "" {
			if !emit(tok) {
				return ctx.Err()
			}
		}
		if chunk.Get("done").Bool() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, errors.CodeNetworkUnavailable, "stream interrupted", errors.CategoryTemporary)
	}
	return errors.Temporary(errors.CodeModelInvalidResponse, "stream ended before completion")
}

// Abort cancels the stream opened with requestID.
func (c *LocalClient) Abort(requestID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close aborts every open stream.
func (c *LocalClient) Close() error {
	c.mu.Lock()
	for id, cancel := range c.inflight {
		cancel()
		delete(c.inflight, id)
	}
	c.ready = false
	c.mu.Unlock()

	c.client.CloseIdleConnections()
	return nil
}

// Name returns the model name.
func (c *LocalClient) Name() string {
	return c.cfg.Model
}

// Status returns the model status.
func (c *LocalClient) Status() *ModelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ModelStatus{
		Name:      c.cfg.Model,
		Backend:   "ollama",
		Available: c.ready,
		Local:     true,
	}
}
