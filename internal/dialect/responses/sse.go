package responses

import (
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/sse"
)

// chatChunk mirrors one `chat.completion.chunk` SSE frame.
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
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Encoder is the stateful Chat-Completions → Responses SSE re-encoder
// (spec §4.C11 "Response direction (SSE)").
type Encoder struct {
	w     *sse.Writer
	state *sse.StreamState
}

// NewEncoder wraps w, keyed by messageID/model for the response.created
// preamble.
func NewEncoder(w *sse.Writer, messageID, model string) *Encoder {
	return &Encoder{w: w, state: sse.NewStreamState(messageID, model)}
}

// Feed consumes one upstream Chat-Completions SSE data payload.
func (e *Encoder) Feed(data string) error {
	var c chatChunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil // malformed chunk: ignored, non-fatal per spec's bounded-buffer philosophy
	}

	if !e.state.Started {
		e.state.Started = true
		id := c.ID
		if id == "" {
			id = e.state.MessageID
		}
		if err := e.w.WriteEvent("response.created", mustJSON(map[string]any{
			"response": map[string]any{"id": id, "object": "response", "status": "in_progress", "model": c.Model},
		})); err != nil {
			return err
		}
	}

	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			if err := e.w.WriteEvent("response.output_text.delta", mustJSON(map[string]any{"delta": choice.Delta.Content})); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			e.state.ToolCalls.Append(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			e.state.FinishReason = choice.FinishReason
		}
	}

	if c.Usage != nil {
		e.state.Usage = &sse.Usage{
			InputTokens:  uint32(c.Usage.PromptTokens),
			OutputTokens: uint32(c.Usage.CompletionTokens),
			TotalTokens:  uint32(c.Usage.TotalTokens),
		}
	}
	return nil
}

// Finish emits the synthesized function_call output items, then the
// terminal response.completed/incomplete event.
func (e *Encoder) Finish() error {
	for _, idx := range e.state.ToolCalls.Indices() {
		slot := e.state.ToolCalls.Slot(idx)
		if err := e.w.WriteEvent("response.output_item.done", mustJSON(map[string]any{
			"item": map[string]any{
				"type":      "function_call",
				"call_id":   slot.ID,
				"name":      slot.Name,
				"arguments": slot.ArgumentsBuf.String(),
			},
		})); err != nil {
			return err
		}
	}

	usage := map[string]any{}
	if e.state.Usage != nil {
		usage = map[string]any{
			"input_tokens":  e.state.Usage.InputTokens,
			"output_tokens": e.state.Usage.OutputTokens,
			"total_tokens":  e.state.Usage.TotalTokens,
		}
	}

	status := "completed"
	evt := "response.completed"
	payload := map[string]any{"status": status, "usage": usage}
	switch e.state.FinishReason {
	case "length":
		evt = "response.incomplete"
		payload["status"] = "incomplete"
		payload["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	case "content_filter":
		evt = "response.incomplete"
		payload["status"] = "incomplete"
		payload["incomplete_details"] = map[string]any{"reason": "content_filter"}
	}
	return e.w.WriteEvent(evt, mustJSON(map[string]any{"response": payload}))
}

// Fail emits a response.failed event for an upstream wire error.
func (e *Encoder) Fail(message string) error {
	return e.w.WriteEvent("response.failed", mustJSON(map[string]any{
		"response": map[string]any{"status": "failed", "error": map[string]any{"message": message}},
	}))
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
