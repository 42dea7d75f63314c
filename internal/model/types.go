// Package model provides types for AI model operations.
package model

import (
	"fmt"
	"strings"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 512

// Request represents a model inference request.
type Request struct {
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"` // nil keeps the backend default
	Stop        []string `json:"stop,omitempty"`
}

// Validate checks that the request can be sent to a backend.
func (r *Request) Validate() error {
	if r == nil || strings.TrimSpace(r.Prompt) == "" {
		return errors.NewBuilder(errors.CodeConfigInvalid, "prompt is required").
			User().
			Build()
	}
	if r.MaxTokens < 0 {
		return errors.New(errors.CodeConfigInvalid, "max tokens must not be negative", errors.CategoryUser)
	}
	return nil
}

// maxTokens returns MaxTokens or DefaultMaxTokens.
func (r *Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// Provider is a cloud API shape.
type Provider int

const (
	ProviderOpenAI Provider = iota
	ProviderAnthropic
	ProviderGemini
)

// String returns the provider name.
func (p Provider) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// ParseProvider parses a provider name.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(s) {
	case "openai":
		return ProviderOpenAI, nil
	case "anthropic":
		return ProviderAnthropic, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return 0, fmt.Errorf("unknown provider %q", s)
	}
}

// ModelStatus represents the status of a model.
type ModelStatus struct {
	Name      string `json:"name"`
	Backend   string `json:"backend"`
	Available bool   `json:"available"`
	Local     bool   `json:"local"`
	Error     string `json:"error,omitempty"`
}
