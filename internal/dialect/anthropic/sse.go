package anthropic

import (
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/sse"
)

type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// Encoder is the stateful Chat-Completions → Anthropic SSE re-encoder
// (spec §4.C11 / §8 scenario 5). Text occupies content block index 0; each
// tool call occupies index openai_index+1.
type Encoder struct {
	w            *sse.Writer
	state        *sse.StreamState
	textStarted  bool
	toolsStarted map[int]bool
}

// NewEncoder wraps w for one Anthropic stream keyed by messageID/model.
func NewEncoder(w *sse.Writer, messageID, model string) *Encoder {
	return &Encoder{w: w, state: sse.NewStreamState(messageID, model), toolsStarted: make(map[int]bool)}
}

func (e *Encoder) ensureStarted(model string) error {
	if e.state.Started {
		return nil
	}
	e.state.Started = true
	if err := e.w.WriteEvent("message_start", mustJSON(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": e.state.MessageID, "type": "message", "role": "assistant", "model": model,
			"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})); err != nil {
		return err
	}
	return nil
}

// Feed consumes one upstream Chat-Completions SSE data payload.
func (e *Encoder) Feed(data string) error {
	var c chatChunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil
	}
	if err := e.ensureStarted(c.Model); err != nil {
		return err
	}

	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			if !e.textStarted {
				e.textStarted = true
				if err := e.w.WriteEvent("content_block_start", mustJSON(map[string]any{
					"type": "content_block_start", "index": 0,
					"content_block": map[string]any{"type": "text", "text": ""},
				})); err != nil {
					return err
				}
			}
			if err := e.w.WriteEvent("content_block_delta", mustJSON(map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
			})); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index + 1
			if !e.toolsStarted[idx] {
				e.toolsStarted[idx] = true
				if err := e.w.WriteEvent("content_block_start", mustJSON(map[string]any{
					"type": "content_block_start", "index": idx,
					"content_block": map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Function.Name, "input": map[string]any{}},
				})); err != nil {
					return err
				}
			}
			e.state.ToolCalls.Append(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			if tc.Function.Arguments != "" {
				if err := e.w.WriteEvent("content_block_delta", mustJSON(map[string]any{
					"type": "content_block_delta", "index": idx,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
				})); err != nil {
					return err
				}
			}
		}
		if choice.FinishReason != "" {
			e.state.FinishReason = choice.FinishReason
		}
	}
	if c.Usage != nil {
		e.state.Usage = &sse.Usage{InputTokens: uint32(c.Usage.PromptTokens), OutputTokens: uint32(c.Usage.CompletionTokens)}
	}
	return nil
}

// Finish emits content_block_stop for every started block, then
// message_delta (stop_reason + usage) and message_stop.
func (e *Encoder) Finish() error {
	if e.textStarted {
		if err := e.w.WriteEvent("content_block_stop", mustJSON(map[string]any{"type": "content_block_stop", "index": 0})); err != nil {
			return err
		}
	}
	for _, idx := range e.state.ToolCalls.Indices() {
		if err := e.w.WriteEvent("content_block_stop", mustJSON(map[string]any{"type": "content_block_stop", "index": idx + 1})); err != nil {
			return err
		}
	}

	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if e.state.Usage != nil {
		usage = map[string]any{"input_tokens": e.state.Usage.InputTokens, "output_tokens": e.state.Usage.OutputTokens}
	}
	if err := e.w.WriteEvent("message_delta", mustJSON(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": mapStopReason(e.state.FinishReason), "stop_sequence": nil},
		"usage": usage,
	})); err != nil {
		return err
	}
	return e.w.WriteEvent("message_stop", mustJSON(map[string]any{"type": "message_stop"}))
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
