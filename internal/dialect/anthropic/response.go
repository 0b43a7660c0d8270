package anthropic

import (
	"encoding/json"
	"fmt"
)

type chatCompletionsResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Usage is the Anthropic-dialect usage shape.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the unary Anthropic `message` response (spec §4.C11
// "Response (unary)").
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// FromChatCompletions renders a buffered Chat-Completions response as an
// Anthropic `message` body.
func FromChatCompletions(body []byte) ([]byte, error) {
	var cc chatCompletionsResponse
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, fmt.Errorf("anthropic: decode chat-completions response: %w", err)
	}

	var blocks []ContentBlock
	finish := "stop"
	if len(cc.Choices) > 0 {
		choice := cc.Choices[0]
		finish = choice.FinishReason
		if choice.Message.Content != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			blocks = append(blocks, ContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
	}

	out := Response{
		ID:         cc.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      cc.Model,
		Content:    blocks,
		StopReason: mapStopReason(finish),
		Usage:      Usage{InputTokens: cc.Usage.PromptTokens, OutputTokens: cc.Usage.CompletionTokens},
	}
	return json.Marshal(out)
}

func mapStopReason(finish string) string {
	switch finish {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "end_turn"
	default:
		return "end_turn"
	}
}
