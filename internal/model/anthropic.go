package model

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

const anthropicVersion = "2023-06-01"

// anthropicRequest shapes a Messages API request.
func (c *CloudClient) anthropicRequest(req *Request) (string, map[string]any, map[string]string) {
	body := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens": req.maxTokens(),
		"stream":     true,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}

	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/messages", body, headers
}

// extractAnthropic reads one Messages API stream event.
func extractAnthropic(payload []byte) (string, bool, error) {
	if !gjson.ValidBytes(payload) {
		return "", false, nil
	}
	event := gjson.ParseBytes(payload)
	switch event.Get("type").String() {
	case "content_block_delta":
		return event.Get("delta.text").String(), false, nil
	case "message_stop":
		return "", true, nil
	case "error":
		return "", false, errors.Temporary(errors.CodeModelUnavailable, event.Get("error.message").String())
	default:
		return "", false, nil
	}
}
