package google

import (
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/sse"
)

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// Encoder is the stateful Chat-Completions → Google streamGenerateContent
// SSE re-encoder (spec §4.C11 "SSE encoder forwards incremental text
// deltas ... at stream end emits a single trailing chunk").
type Encoder struct {
	w     *sse.Writer
	state *sse.StreamState
}

// NewEncoder wraps w for one Google stream.
func NewEncoder(w *sse.Writer, model string) *Encoder {
	return &Encoder{w: w, state: sse.NewStreamState("", model)}
}

// Feed consumes one upstream Chat-Completions SSE data payload and forwards
// any text delta as a per-chunk candidate content frame.
func (e *Encoder) Feed(data string) error {
	var c chatChunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil
	}
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			frame := Response{Candidates: []Candidate{{Content: Content{Role: "model", Parts: []Part{{Text: choice.Delta.Content}}}}}}
			b, _ := json.Marshal(frame)
			if err := e.w.WriteData(string(b)); err != nil {
				return err
			}
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

// Finish emits the trailing chunk: empty parts, finishReason, and
// usageMetadata.
func (e *Encoder) Finish() error {
	frame := Response{
		Candidates: []Candidate{{
			Content:      Content{Role: "model", Parts: []Part{}},
			FinishReason: mapFinishReason(e.state.FinishReason),
		}},
	}
	if e.state.Usage != nil {
		frame.UsageMetadata = UsageMetadata{
			PromptTokenCount:     int(e.state.Usage.InputTokens),
			CandidatesTokenCount: int(e.state.Usage.OutputTokens),
			TotalTokenCount:      int(e.state.Usage.TotalTokens),
		}
	}
	b, _ := json.Marshal(frame)
	return e.w.WriteData(string(b))
}
