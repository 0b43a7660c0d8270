package responses

import (
	"encoding/json"
	"fmt"
)

// chatCompletionsResponse is the subset of the Chat-Completions response
// shape this shim reads.
type chatCompletionsResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Usage is the Responses-dialect usage shape.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Incomplete carries the reason a response didn't finish cleanly.
type Incomplete struct {
	Reason string `json:"reason"`
}

// Response is the unary Responses-dialect response envelope (spec §4.C11
// "Response direction (unary)").
type Response struct {
	ID         string      `json:"id"`
	Object     string      `json:"object"`
	Status     string      `json:"status"`
	Output     []any       `json:"output"`
	OutputText string      `json:"output_text"`
	Usage      Usage       `json:"usage"`
	Incomplete *Incomplete `json:"incomplete_details,omitempty"`
}

type outputMessage struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// FromChatCompletions renders a buffered Chat-Completions response body as
// a Responses-dialect unary JSON body (spec §4.C11 "Response direction
// (unary)"). finishReason mapping: length→incomplete{max_output_tokens},
// content_filter→incomplete{content_filter}, otherwise completed.
func FromChatCompletions(body []byte) ([]byte, error) {
	var cc chatCompletionsResponse
	if err := json.Unmarshal(body, &cc); err != nil {
		return nil, fmt.Errorf("responses: decode chat-completions response: %w", err)
	}

	text := ""
	finish := "stop"
	if len(cc.Choices) > 0 {
		text = cc.Choices[0].Message.Content
		finish = cc.Choices[0].FinishReason
	}

	out := Response{
		ID:     cc.ID,
		Object: "response",
		Status: "completed",
		Output: []any{outputMessage{
			Type: "message",
			Role: "assistant",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "output_text", Text: text}},
		}},
		OutputText: text,
		Usage: Usage{
			InputTokens:  cc.Usage.PromptTokens,
			OutputTokens: cc.Usage.CompletionTokens,
			TotalTokens:  cc.Usage.TotalTokens,
		},
	}

	switch finish {
	case "length":
		out.Status = "incomplete"
		out.Incomplete = &Incomplete{Reason: "max_output_tokens"}
	case "content_filter":
		out.Status = "incomplete"
		out.Incomplete = &Incomplete{Reason: "content_filter"}
	}

	return json.Marshal(out)
}
