// Package google implements the Google GenAI / Cloud Code ↔ OpenAI dialect
// translator of spec §4.C11, covering `:generateContent`,
// `:streamGenerateContent`, `:countTokens`, and the Cloud Code `v1internal`
// variants.
package google

import (
	"encoding/json"
	"fmt"
)

// Part is one Google `contents[].parts[]` entry.
type Part struct {
	Text         string          `json:"text,omitempty"`
	InlineData   json.RawMessage `json:"inlineData,omitempty"`
	FunctionCall *FunctionCall   `json:"functionCall,omitempty"`
	FunctionResp *FunctionResp   `json:"functionResponse,omitempty"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type FunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// Content is one Google `contents[]` entry.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Request is the Google generateContent request body.
type Request struct {
	Contents          []Content `json:"contents"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	Tools             []struct {
		FunctionDeclarations []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
	GenerationConfig *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ToChatCompletions maps a Google generateContent request to a
// Chat-Completions body: contents[].parts[] → messages, systemInstruction →
// a leading system message, tools.functionDeclarations → OpenAI
// tools.function (spec §4.C11 "Request" for Google).
func ToChatCompletions(model string, body []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("google: decode request: %w", err)
	}

	var messages []chatMessage
	if req.SystemInstruction != nil {
		messages = append(messages, chatMessage{Role: "system", Content: partsText(req.SystemInstruction.Parts)})
	}
	for i, c := range req.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		text := partsText(c.Parts)
		var calls []chatToolCall
		var callIdx int
		for _, p := range c.Parts {
			if p.FunctionCall != nil {
				calls = append(calls, chatToolCall{
					ID:   fmt.Sprintf("call_%d_%d", i, callIdx),
					Type: "function",
					Function: struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					}{Name: p.FunctionCall.Name, Arguments: string(p.FunctionCall.Args)},
				})
				callIdx++
			}
		}
		messages = append(messages, chatMessage{Role: role, Content: text, ToolCalls: calls})
	}

	out := map[string]any{"model": model, "messages": messages}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			for _, fd := range t.FunctionDeclarations {
				tools = append(tools, map[string]any{
					"type": "function",
					"function": map[string]any{
						"name": fd.Name, "description": fd.Description, "parameters": fd.Parameters,
					},
				})
			}
		}
		out["tools"] = tools
	}
	if req.GenerationConfig != nil {
		if req.GenerationConfig.Temperature != nil {
			out["temperature"] = *req.GenerationConfig.Temperature
		}
		if req.GenerationConfig.MaxOutputTokens != nil {
			out["max_tokens"] = *req.GenerationConfig.MaxOutputTokens
		}
	}
	return json.Marshal(out)
}

func partsText(parts []Part) string {
	out := ""
	for _, p := range parts {
		out += p.Text
	}
	return out
}
