// Package tokencount estimates input tokens for a request body without
// requiring a real BPE tokenizer, falling back to a byte-length heuristic
// when none is configured. Grounded on the teacher's own len/4 streaming
// output-token estimate (internal/proxy/gateway.go's writeSSE).
package tokencount

import (
	"encoding/json"
	"math"
	"strings"
)

// Tokenizer counts tokens in a plain string. A real BPE tokenizer can be
// plugged in; nil falls back to byteEstimate.
type Tokenizer interface {
	Count(s string) int
}

const (
	perMessageOverhead       = 3
	perMessageOverheadLegacy = 4
	perNamedMessage          = 1
	primingTokens            = 3
)

// EstimateChat estimates input tokens for a /v1/chat/completions or
// /v1/completions style request body.
func EstimateChat(body []byte, model string, tok Tokenizer) uint32 {
	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Name    string          `json:"name"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		Prompt         json.RawMessage `json:"prompt"`
		Tools          json.RawMessage `json:"tools"`
		Functions      json.RawMessage `json:"functions"`
		ToolChoice     json.RawMessage `json:"tool_choice"`
		ResponseFormat json.RawMessage `json:"response_format"`
		Stop           json.RawMessage `json:"stop"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return byteEstimate(body)
	}

	perMsg := perMessageOverhead
	if isLegacyModel(model) {
		perMsg = perMessageOverheadLegacy
	}

	total := 0
	for _, m := range req.Messages {
		total += perMsg
		total += count(tok, m.Role)
		total += extractText(m.Content, tok)
		if m.Name != "" {
			total += perNamedMessage
			total += count(tok, m.Name)
		}
	}
	total += walkResponsesInput(req.Prompt, tok)
	total += primingTokens

	for _, raw := range []json.RawMessage{req.Tools, req.Functions, req.ToolChoice, req.ResponseFormat, req.Stop} {
		if len(raw) > 0 {
			total += count(tok, string(raw))
		}
	}

	return clampU32(total)
}

// EstimateResponses estimates input tokens for a /v1/responses request.
func EstimateResponses(body []byte, tok Tokenizer) uint32 {
	var req struct {
		Instructions string          `json:"instructions"`
		Input        json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return byteEstimate(body)
	}

	total := count(tok, req.Instructions)
	total += walkResponsesInput(req.Input, tok)
	return clampU32(total)
}

func walkResponsesInput(raw json.RawMessage, tok Tokenizer) int {
	if len(raw) == 0 {
		return 0
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return count(tok, asString)
	}

	var asStringArray []string
	if err := json.Unmarshal(raw, &asStringArray); err == nil {
		total := 0
		for _, s := range asStringArray {
			total += count(tok, s)
		}
		return total
	}

	var items []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		total := 0
		for _, it := range items {
			total += extractText(it.Content, tok)
		}
		return total
	}

	return 0
}

// extractText handles a plain string, or an array of {type:text|input_text,
// text} parts (parts with no type count too; other types are skipped). An
// array of bare strings counts as zero.
func extractText(raw json.RawMessage, tok Tokenizer) int {
	if len(raw) == 0 {
		return 0
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return count(tok, asString)
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		total := 0
		for _, p := range parts {
			if p.Type == "text" || p.Type == "input_text" || p.Type == "" {
				total += count(tok, p.Text)
			}
		}
		return total
	}

	return 0
}

// EstimateStrings sums tokens across a single string or array of strings,
// used for /v1/embeddings and /v1/moderations.
func EstimateStrings(body []byte, tok Tokenizer) uint32 {
	var req struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return byteEstimate(body)
	}

	var asString string
	if err := json.Unmarshal(req.Input, &asString); err == nil {
		return clampU32(count(tok, asString))
	}

	var asArray []string
	if err := json.Unmarshal(req.Input, &asArray); err == nil {
		total := 0
		for _, s := range asArray {
			total += count(tok, s)
		}
		return clampU32(total)
	}

	return byteEstimate(body)
}

func count(tok Tokenizer, s string) int {
	if s == "" {
		return 0
	}
	if tok != nil {
		return tok.Count(s)
	}
	return int(byteEstimate([]byte(s)))
}

func byteEstimate(b []byte) uint32 {
	return clampU32(int(math.Ceil(float64(len(b)) / 4.0)))
}

func clampU32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func isLegacyModel(model string) bool {
	return strings.HasPrefix(model, "gpt-3.5")
}
