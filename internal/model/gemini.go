package model

import (
	"context"
	"iter"

	"google.golang.org/genai"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

// gemini returns the lazily created genai client.
func (c *CloudClient) gemini(ctx context.Context) (*genai.Client, error) {
	c.geminiOnce.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:     c.cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: c.client,
		}
		if c.cfg.BaseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.cfg.BaseURL}
		}
		c.geminiClient, c.geminiErr = genai.NewClient(ctx, cfg)
	})
	if c.geminiErr != nil {
		return nil, errors.Wrap(c.geminiErr, errors.CodeModelUnavailable, "failed to create Gemini client", errors.CategorySystem)
	}
	return c.geminiClient, nil
}

// geminiConfig maps a request onto generation settings.
func geminiConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.maxTokens()),
		StopSequences:   req.Stop,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	return cfg
}

// streamGemini pulls the SDK stream. Opening the stream is the first pull, so
// that is the step the retry policy and circuit breaker wrap.
func (c *CloudClient) streamGemini(ctx context.Context, req *Request, emit func(string) bool) error {
	client, err := c.gemini(ctx)
	if err != nil {
		return err
	}

	type opened struct {
		first *genai.GenerateContentResponse
		next  func() (*genai.GenerateContentResponse, error, bool)
		stop  func()
	}

	o, err := errors.Guard(c.circuitBreaker, func() (opened, error) {
		return errors.DoWithResult(ctx, c.retryPolicy, func() (opened, error) {
			seq := client.Models.GenerateContentStream(ctx, c.cfg.Model, genai.Text(req.Prompt), geminiConfig(req))
			next, stop := iter.Pull2(seq)
			first, err, ok := next()
			if err != nil {
				stop()
				return opened{}, classifyGemini(ctx, err)
			}
			if !ok {
				stop()
				return opened{}, nil
			}
			return opened{first: first, next: next, stop: stop}, nil
		})
	})
	if err != nil {
		return err
	}
	if o.stop == nil {
		return nil
	}
	defer o.stop()

	resp := o.first
	for {
		if tok := resp.Text(); tok != "" && !emit(tok) {
			return ctx.Err()
		}

		var ok bool
		resp, err, ok = o.next()
		if !ok {
			return nil
		}
		if err != nil {
			return classifyGemini(ctx, err)
		}
	}
}

// classifyGemini maps SDK errors onto the error taxonomy.
func classifyGemini(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return errors.Wrap(err, errors.CodeModelRateLimit, "rate limit exceeded", errors.CategoryRateLimit)
		case apiErr.Code == 401 || apiErr.Code == 403:
			return errors.Wrap(err, errors.CodeModelUnavailable, "invalid API key", errors.CategoryUser)
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return errors.Wrap(err, errors.CodeModelInvalidResponse, "bad request", errors.CategoryUser)
		}
	}
	return errors.Wrap(err, errors.CodeModelUnavailable, "Gemini stream failed", errors.CategoryTemporary)
}
