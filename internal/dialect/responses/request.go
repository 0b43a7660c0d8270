// Package responses implements the Responses ↔ Chat-Completions shim of
// spec §4.C11: translating OpenAI's newer /v1/responses wire shape into
// the Chat-Completions shape the rest of the gateway (and every typed
// provider) already speaks, and back.
package responses

import (
	"encoding/json"
	"fmt"
)

// Request is the subset of the OpenAI Responses request body this shim
// understands.
type Request struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	ServiceTier     string          `json:"service_tier,omitempty"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat  json.RawMessage `json:"response_format,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// chatMessage mirrors the minimal Chat-Completions message shape the rest
// of the gateway consumes.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToChatCompletions maps a Responses request body to a Chat-Completions
// body (spec §4.C11 "Request direction"): copies shared fields, renames
// max_output_tokens, promotes instructions to a leading system message,
// and expands input into messages.
func ToChatCompletions(body []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("responses: decode request: %w", err)
	}

	var messages []chatMessage
	if req.Instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.Instructions})
	}
	messages = append(messages, expandInput(req.Input)...)

	out := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   req.Stream,
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.ServiceTier != "" {
		out["service_tier"] = req.ServiceTier
	}
	if len(req.Tools) > 0 {
		out["tools"] = req.Tools
	}
	if len(req.ToolChoice) > 0 {
		out["tool_choice"] = req.ToolChoice
	}
	if len(req.ResponseFormat) > 0 {
		out["response_format"] = req.ResponseFormat
	}
	if req.MaxOutputTokens != nil {
		out["max_tokens"] = *req.MaxOutputTokens
	}
	if req.Stream {
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	return json.Marshal(out)
}

// expandInput handles the three documented input shapes: a plain string, an
// array of strings, or an array of role/content objects whose content is
// either a string or an array of {type:text|input_text, text} parts.
func expandInput(raw json.RawMessage) []chatMessage {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []chatMessage{{Role: "user", Content: asString}}
	}

	var asStringArray []string
	if err := json.Unmarshal(raw, &asStringArray); err == nil {
		out := make([]chatMessage, 0, len(asStringArray))
		for _, s := range asStringArray {
			out = append(out, chatMessage{Role: "user", Content: s})
		}
		return out
	}

	var items []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]chatMessage, 0, len(items))
	for _, it := range items {
		role := it.Role
		if role == "" {
			role = "user"
		}
		out = append(out, chatMessage{Role: role, Content: extractContentText(it.Content)})
	}
	return out
}

func extractContentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := ""
		for _, p := range parts {
			if p.Type == "text" || p.Type == "input_text" {
				out += p.Text
			}
		}
		return out
	}
	return ""
}
