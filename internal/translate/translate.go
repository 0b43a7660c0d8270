// Package translate implements spec §4.C10's translation backend: it
// adapts an OpenAI-dialect chat/embeddings request into the typed
// providers.Provider/EmbeddingProvider contract (internal/providers) and
// renders the typed response back into OpenAI-dialect JSON or SSE.
//
// Grounded on internal/providers/openai's Request/Embed call shape and on
// internal/proxy/gateway.go's old dispatchChat/dispatchEmbeddings JSON
// rendering, generalized from "the one gateway-owned response writer" to a
// reusable byte-in/byte-out adapter the dispatcher can call for any backend
// whose config.Backend.Provider names a typed provider.
package translate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// ChatMessage is the OpenAI-dialect message shape accepted on the wire.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ChatRequest is the subset of the OpenAI Chat-Completions request body this
// adapter understands.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatChoice/ChatResponse mirror the OpenAI non-streaming response shape.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// Warning is a compatibility warning surfaced for lossy translations (spec
// §4.C11 "Warning::Compatibility{feature, details}", reused here for C10's
// own lossy message-content handling).
type Warning struct {
	Feature string
	Details string
}

func textContent(raw json.RawMessage) (string, *Warning) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	// Multi-part content: [{type:"text", text:"..."}]
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := ""
		dropped := false
		for _, p := range parts {
			if p.Type == "text" || p.Type == "input_text" {
				out += p.Text
			} else {
				dropped = true
			}
		}
		if dropped {
			return out, &Warning{Feature: "content_part", Details: "non-text content part dropped"}
		}
		return out, nil
	}
	return "", &Warning{Feature: "content", Details: "unrecognized content shape"}
}

func toProviderMessages(msgs []ChatMessage) ([]providers.Message, []Warning) {
	out := make([]providers.Message, 0, len(msgs))
	var warnings []Warning
	for _, m := range msgs {
		text, w := textContent(m.Content)
		if w != nil {
			warnings = append(warnings, *w)
		}
		role := m.Role
		if role == "tool" {
			// The typed Provider contract has no tool-call channel; fold
			// tool results into the transcript as a labeled turn so the
			// model still sees them (spec §4.C10 "unknown content parts
			// emit a compatibility warning").
			text = fmt.Sprintf("[tool result%s] %s", nameSuffix(m.Name), text)
			role = "user"
			warnings = append(warnings, Warning{Feature: "tool_message", Details: "folded into a user turn; no structured tool_calls channel on the typed provider"})
		}
		out = append(out, providers.Message{Role: role, Content: text})
	}
	return out, warnings
}

func nameSuffix(name string) string {
	if name == "" {
		return ""
	}
	return " " + name
}

// Backend adapts OpenAI-dialect requests to the typed provider map.
type Backend struct {
	provs map[string]providers.Provider
	idSeq func() string
}

// NewBackend builds a Backend over provs (provider name → typed Provider,
// as built by internal/app's buildProviders).
func NewBackend(provs map[string]providers.Provider) *Backend {
	var n int64
	return &Backend{provs: provs, idSeq: func() string {
		n++
		return fmt.Sprintf("resp_%d_%d", time.Now().UnixNano(), n)
	}}
}

// ErrUnknownProvider is returned when the named typed provider isn't wired.
type ErrUnknownProvider struct{ Name string }

func (e *ErrUnknownProvider) Error() string { return "translate: unknown provider " + e.Name }

// ChatCompletions dispatches body (an OpenAI ChatRequest) to the named
// typed provider and renders a non-streaming ChatResponse, or — when the
// request asks for streaming — starts the upstream stream and returns an
// io.ReadCloser of framed `chat.completion.chunk` SSE bytes.
func (b *Backend) ChatCompletions(ctx context.Context, providerName string, body []byte, apiKeyID, requestID string) (json.RawMessage, io.ReadCloser, *providers.Usage, error) {
	prov, ok := b.provs[providerName]
	if !ok {
		return nil, nil, nil, &ErrUnknownProvider{Name: providerName}
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, nil, fmt.Errorf("translate: decode chat request: %w", err)
	}
	msgs, _ := toProviderMessages(req.Messages)

	pr := &providers.ProxyRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    req.Stream,
		APIKeyID:  apiKeyID,
		RequestID: requestID,
	}
	if req.Temperature != nil {
		pr.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		pr.MaxTokens = *req.MaxTokens
	}

	resp, err := prov.Request(ctx, pr)
	if err != nil {
		return nil, nil, nil, err
	}

	if !req.Stream || resp.Stream == nil {
		id := resp.ID
		if id == "" {
			id = b.idSeq()
		}
		out := ChatResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   resp.Model,
			Choices: []ChatChoice{{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: rawString(resp.Content)},
				FinishReason: "stop",
			}},
			Usage: ChatUsage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, nil, nil, err
		}
		u := &providers.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
		return raw, nil, u, nil
	}

	id := resp.ID
	if id == "" {
		id = b.idSeq()
	}
	r, w := io.Pipe()
	usage := &providers.Usage{}
	go streamChatChunks(w, id, resp.Model, resp.Stream, usage)
	return nil, r, usage, nil
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// streamChatChunks consumes the typed StreamChunk channel and writes
// `chat.completion.chunk` SSE frames, closing with `data: [DONE]\n\n`
// (spec §4.C10 "closes with data: [DONE]\n\n for Chat-Completions").
func streamChatChunks(w *io.PipeWriter, id, model string, ch <-chan providers.StreamChunk, usage *providers.Usage) {
	bw := bufio.NewWriter(w)
	defer func() {
		bw.Flush()
		w.Close()
	}()
	for chunk := range ch {
		frame := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": chunk.Content}, "finish_reason": nilIfEmpty(chunk.FinishReason)}},
		}
		data, _ := json.Marshal(frame)
		fmt.Fprintf(bw, "data: %s\n\n", data)
		bw.Flush()
	}
	fmt.Fprint(bw, "data: [DONE]\n\n")
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EmbedRequest/EmbedResponse mirror the OpenAI embeddings wire shapes.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"-"`
}

type embedDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
	Object    string    `json:"object"`
}

type EmbedResponse struct {
	Object string       `json:"object"`
	Data   []embedDatum `json:"data"`
	Model  string       `json:"model"`
	Usage  ChatUsage    `json:"usage"`
}

// Embeddings dispatches an OpenAI embeddings request to the named typed
// EmbeddingProvider.
func (b *Backend) Embeddings(ctx context.Context, providerName string, model string, input []string, apiKeyID, requestID string) (json.RawMessage, error) {
	prov, ok := b.provs[providerName]
	if !ok {
		return nil, &ErrUnknownProvider{Name: providerName}
	}
	ep, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		return nil, fmt.Errorf("translate: provider %s does not support embeddings", providerName)
	}
	resp, err := ep.Embed(ctx, &providers.EmbeddingRequest{Input: input, Model: model, APIKeyID: apiKeyID, RequestID: requestID})
	if err != nil {
		return nil, err
	}
	out := EmbedResponse{Object: "list", Model: resp.Model, Usage: ChatUsage{
		PromptTokens: resp.Usage.InputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}}
	for _, d := range resp.Data {
		out.Data = append(out.Data, embedDatum{Index: d.Index, Embedding: d.Embedding, Object: "embedding"})
	}
	return json.Marshal(out)
}
