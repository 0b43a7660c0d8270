// Package anthropic implements the Anthropic ↔ OpenAI dialect translator of
// spec §4.C11, covering /v1/messages and /v1/messages/count_tokens.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is one Anthropic message content block.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Message is one Anthropic `messages[]` entry; Content may be a plain
// string or an array of ContentBlock.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Request is the /v1/messages request body.
type Request struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

type chatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToChatCompletions maps an Anthropic /v1/messages request to a
// Chat-Completions body, preserving tool_use/tool_result as OpenAI
// tool_calls/tool messages (spec §4.C11 "Request" for Anthropic↔OpenAI).
func ToChatCompletions(body []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("anthropic: decode request: %w", err)
	}

	var messages []chatMessage
	if sysText := systemText(req.System); sysText != "" {
		messages = append(messages, chatMessage{Role: "system", Content: sysText})
	}

	for _, m := range req.Messages {
		messages = append(messages, blocksToChatMessages(m.Role, m.Content)...)
	}

	out := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": req.MaxTokens,
		"stream":     req.Stream,
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		out["tools"] = mapTools(req.Tools)
	}
	if req.Stream {
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	return json.Marshal(out)
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return ""
}

// blocksToChatMessages expands one Anthropic message (string or block-array
// content) into zero or more Chat-Completions messages: text collapses to
// one assistant/user message; tool_use blocks become a tool_calls entry on
// an assistant message; tool_result blocks become standalone tool messages.
func blocksToChatMessages(role string, content json.RawMessage) []chatMessage {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return []chatMessage{{Role: role, Content: s}}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}

	var out []chatMessage
	var text string
	var calls []chatToolCall
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_use":
			tc := chatToolCall{ID: b.ID, Type: "function"}
			tc.Function.Name = b.Name
			tc.Function.Arguments = string(b.Input)
			calls = append(calls, tc)
		case "tool_result":
			resultText := blockContentText(b.Content)
			out = append(out, chatMessage{Role: "tool", Content: resultText, ToolCallID: b.ToolUseID})
		}
	}
	if text != "" || len(calls) > 0 {
		out = append([]chatMessage{{Role: role, Content: text, ToolCalls: calls}}, out...)
	}
	return out
}

func blockContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			out += b.Text
		}
		return out
	}
	return string(raw)
}

func mapTools(raw json.RawMessage) json.RawMessage {
	var tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return raw
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			},
		})
	}
	b, _ := json.Marshal(out)
	return b
}
