package google

import (
	"encoding/json"
	"fmt"
)

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
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
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Candidate is one Google response `candidates[]` entry.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
	Index        int     `json:"index"`
}

// UsageMetadata is Google's usage accounting shape.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Response is the Google generateContent unary response envelope.
type Response struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
}

// CloudCodeResponse wraps Response per the Cloud Code `v1internal` variant
// (spec §4.C11 "Cloud Code variant wraps the response as {response:{...}}").
type CloudCodeResponse struct {
	Response    Response `json:"response"`
	ResponseID  string   `json:"responseId"`
	ModelVersion string  `json:"modelVersion"`
}

// FromChatCompletions renders a buffered Chat-Completions response as a
// Google generateContent unary response.
func FromChatCompletions(body []byte) (Response, error) {
	var cc chatCompletionsResponse
	if err := json.Unmarshal(body, &cc); err != nil {
		return Response{}, fmt.Errorf("google: decode chat-completions response: %w", err)
	}

	var parts []Part
	finish := "STOP"
	if len(cc.Choices) > 0 {
		choice := cc.Choices[0]
		if choice.Message.Content != "" {
			parts = append(parts, Part{Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			parts = append(parts, Part{FunctionCall: &FunctionCall{Name: tc.Function.Name, Args: json.RawMessage(tc.Function.Arguments)}})
		}
		finish = mapFinishReason(choice.FinishReason)
	}

	return Response{
		Candidates: []Candidate{{
			Content:      Content{Role: "model", Parts: parts},
			FinishReason: finish,
		}},
		UsageMetadata: UsageMetadata{
			PromptTokenCount:     cc.Usage.PromptTokens,
			CandidatesTokenCount: cc.Usage.CompletionTokens,
			TotalTokenCount:      cc.Usage.TotalTokens,
		},
	}, nil
}

// ToCloudCode wraps resp in the Cloud Code envelope.
func ToCloudCode(resp Response, responseID, modelVersion string) CloudCodeResponse {
	return CloudCodeResponse{Response: resp, ResponseID: responseID, ModelVersion: modelVersion}
}

func mapFinishReason(finish string) string {
	switch finish {
	case "stop":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	case "tool_calls", "function_call":
		return "STOP"
	default:
		return "STOP"
	}
}
