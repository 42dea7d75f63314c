package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func temp(v float64) *float64 { return &v }

func newLocal(t *testing.T, h http.HandlerFunc) *LocalClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewLocalClient(&LocalConfig{BaseURL: srv.URL, Model: "llama3.2:3b", LoadTimeout: 5 * time.Second})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLocalInitialize(t *testing.T) {
	t.Run("model installed", func(t *testing.T) {
		c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/tags", r.URL.Path)
			fmt.Fprint(w, `{"models":[{"name":"qwen2.5:7b"},{"name":"llama3.2:3b"}]}`)
		})
		require.NoError(t, c.Initialize(context.Background()))
		assert.True(t, c.Status().Available)
	})

	t.Run("latest tag matches bare name", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"models":[{"name":"phi3:latest"}]}`)
		}))
		defer srv.Close()
		c := NewLocalClient(&LocalConfig{BaseURL: srv.URL, Model: "phi3"})
		defer c.Close()
		assert.NoError(t, c.Initialize(context.Background()))
	})

	t.Run("model missing", func(t *testing.T) {
		c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"models":[{"name":"qwen2.5:7b"}]}`)
		})
		err := c.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeModelUnavailable))
		assert.Contains(t, errors.FormatUserMessage(err), "ollama pull llama3.2:3b")
		assert.False(t, c.Status().Available)
	})

	t.Run("server down", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c := NewLocalClient(&LocalConfig{BaseURL: url, Model: "llama3.2:3b"})
		defer c.Close()
		err := c.Initialize(context.Background())
		assert.True(t, errors.HasCode(err, errors.CodeNetworkUnavailable))
	})
}

func TestLocalGenerateStreamsNDJSON(t *testing.T) {
	var body map[string]any
	c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"respon`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"response":"lo","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
	})

	out, err := Collect(c.Generate(context.Background(), "req-1", &Request{
		System: "be brief", Prompt: "hi", MaxTokens: 32, Temperature: temp(0.2),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)

	assert.Equal(t, "llama3.2:3b", body["model"])
	assert.Equal(t, "be brief", body["system"])
	assert.Equal(t, true, body["stream"])
	options := body["options"].(map[string]any)
	assert.Equal(t, 32.0, options["num_predict"])
	assert.Equal(t, 0.2, options["temperature"])
}

func TestLocalGenerateErrors(t *testing.T) {
	t.Run("error chunk", func(t *testing.T) {
		c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"response":"a","done":false}`)
			fmt.Fprintln(w, `{"error":"out of memory"}`)
		})
		out, err := Collect(c.Generate(context.Background(), "req-1", &Request{Prompt: "hi"}))
		assert.Equal(t, "a", out)
		assert.ErrorContains(t, err, "out of memory")
	})

	t.Run("truncated stream", func(t *testing.T) {
		c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `{"response":"a","done":false}`)
		})
		_, err := Collect(c.Generate(context.Background(), "req-1", &Request{Prompt: "hi"}))
		assert.True(t, errors.HasCode(err, errors.CodeModelInvalidResponse))
	})

	t.Run("bad status", func(t *testing.T) {
		c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		})
		_, err := Collect(c.Generate(context.Background(), "req-1", &Request{Prompt: "hi"}))
		assert.ErrorContains(t, err, "status 404")
	})

	t.Run("empty prompt", func(t *testing.T) {
		c := NewLocalClient(nil)
		_, err := Collect(c.Generate(context.Background(), "req-1", &Request{Prompt: "  "}))
		assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))
	})
}

func TestLocalAbort(t *testing.T) {
	c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"first","done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	tokens, errs := c.Generate(context.Background(), "req-abort", &Request{Prompt: "hi"})
	assert.Equal(t, "first", <-tokens)

	c.Abort("req-abort")
	for range tokens {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)

	c.Abort("unknown")
}

func TestLocalGenerateStopsOnContextCancel(t *testing.T) {
	c := newLocal(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, `{"response":"t%d","done":false}`+"\n", i); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	tokens, errs := c.Generate(ctx, "req-1", &Request{Prompt: "hi"})
	<-tokens
	cancel()
	for range tokens {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		w.(http.Flusher).Flush()
	}
}

func newCloud(t *testing.T, p Provider, h http.HandlerFunc) *CloudClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultCloudConfig(p, "sk-test")
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 2
	c := NewCloudClient(cfg)
	t.Cleanup(c.client.CloseIdleConnections)
	return c
}

func TestOpenAIStream(t *testing.T) {
	var body map[string]any
	c := newCloud(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sse(w,
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		)
	})

	out, err := Collect(c.Generate(context.Background(), &Request{System: "sys", Prompt: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, float64(DefaultMaxTokens), body["max_tokens"])
	assert.NotContains(t, body, "temperature")
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestOpenAIStreamError(t *testing.T) {
	c := newCloud(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"content":"par"}}]}`,
			`{"error":{"message":"overloaded"}}`,
		)
	})
	out, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
	assert.Equal(t, "par", out)
	assert.ErrorContains(t, err, "overloaded")
}

func TestCloudStreamEndingEarlyIsAnError(t *testing.T) {
	for _, tt := range []struct {
		name     string
		provider Provider
		events   []string
	}{
		{"openai without done", ProviderOpenAI, []string{`{"choices":[{"delta":{"content":"half"}}]}`}},
		{"anthropic without message_stop", ProviderAnthropic, []string{`{"type":"content_block_delta","delta":{"type":"text_delta","text":"half"}}`}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := newCloud(t, tt.provider, func(w http.ResponseWriter, r *http.Request) {
				sse(w, tt.events...)
			})
			out, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
			assert.Equal(t, "half", out)
			assert.True(t, errors.HasCode(err, errors.CodeModelInvalidResponse))
			assert.True(t, errors.IsRetryable(err))
		})
	}
}

func TestAnthropicStream(t *testing.T) {
	var body map[string]any
	c := newCloud(t, ProviderAnthropic, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	})

	out, err := Collect(c.Generate(context.Background(), &Request{
		System: "french", Prompt: "hi", Temperature: temp(0.5), Stop: []string{"\n\n"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", out)
	assert.Equal(t, "french", body["system"])
	assert.Equal(t, 0.5, body["temperature"])
	assert.Equal(t, []any{"\n\n"}, body["stop_sequences"])
}

func TestCloudRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newCloud(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		sse(w, `{"choices":[{"delta":{"content":"ok"}}]}`, `[DONE]`)
	})

	out, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCloudDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	c := newCloud(t, ProviderAnthropic, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
	assert.True(t, errors.HasCode(err, errors.CodeModelUnavailable))
	assert.Equal(t, errors.CategoryUser, errors.GetCategory(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloudCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	c := newCloud(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	for i := 0; i < 5; i++ {
		_, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
		require.Error(t, err)
	}
	assert.Equal(t, errors.StateOpen, c.BreakerState())

	_, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
	assert.ErrorContains(t, err, "circuit breaker")
	assert.Equal(t, int32(5), calls.Load())
	assert.Contains(t, c.Status().Error, "open")
}

func TestCloudUnavailableWithoutKey(t *testing.T) {
	c := NewCloudClient(DefaultCloudConfig(ProviderOpenAI, ""))
	assert.False(t, c.IsAvailable())

	_, err := Collect(c.Generate(context.Background(), &Request{Prompt: "hi"}))
	assert.True(t, errors.HasCode(err, errors.CodeModelUnavailable))

	var nilClient *CloudClient
	assert.False(t, nilClient.IsAvailable())
	_, err = Collect(nilClient.Generate(context.Background(), &Request{Prompt: "hi"}))
	assert.Error(t, err)
}

func TestCloudStreamStopsOnCancel(t *testing.T) {
	c := newCloud(t, ProviderOpenAI, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for {
			if _, err := io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	tokens, errs := c.Generate(ctx, &Request{Prompt: "hi"})
	assert.Equal(t, "x", <-tokens)
	cancel()
	for range tokens {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestGeminiConfig(t *testing.T) {
	cfg := geminiConfig(&Request{System: "terse", Prompt: "hi", MaxTokens: 64, Temperature: temp(0.25), Stop: []string{"END"}})
	assert.Equal(t, int32(64), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.Temperature)
	assert.Equal(t, float32(0.25), *cfg.Temperature)
	assert.Equal(t, []string{"END"}, cfg.StopSequences)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "terse", cfg.SystemInstruction.Parts[0].Text)

	cfg = geminiConfig(&Request{Prompt: "hi"})
	assert.Nil(t, cfg.Temperature)
	assert.Nil(t, cfg.SystemInstruction)
	assert.Equal(t, int32(DefaultMaxTokens), cfg.MaxOutputTokens)
}

func TestParseProvider(t *testing.T) {
	for in, want := range map[string]Provider{
		"openai": ProviderOpenAI, "Anthropic": ProviderAnthropic, "gemini": ProviderGemini, "google": ProviderGemini,
	} {
		got, err := ParseProvider(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, "anthropic", ProviderAnthropic.String())
	_, err := ParseProvider("cohere")
	assert.Error(t, err)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, (&Request{Prompt: "hi"}).Validate())
	assert.Error(t, (*Request)(nil).Validate())
	assert.Error(t, (&Request{Prompt: "hi", MaxTokens: -1}).Validate())
}
