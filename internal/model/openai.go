package model

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flynn-ai/edgeroute/internal/errors"
)

// openAIRequest shapes a chat completions request (OpenAI-compatible).
func (c *CloudClient) openAIRequest(req *Request) (string, map[string]any, map[string]string) {
	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"model":      c.cfg.Model,
		"messages":   messages,
		"max_tokens": req.maxTokens(),
		"stream":     true,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}

	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions", body, headers
}

// extractOpenAI reads one chat.completion.chunk event.
func extractOpenAI(payload []byte) (string, bool, error) {
	if !gjson.ValidBytes(payload) {
		return "", false, nil
	}
	chunk := gjson.ParseBytes(payload)
	if msg := chunk.Get("error.message"); msg.Exists() {
		return "", false, errors.Temporary(errors.CodeModelUnavailable, msg.String())
	}
	return chunk.Get("choices.0.delta.content").String(), false, nil
}
