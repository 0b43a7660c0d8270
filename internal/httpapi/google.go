package httpapi

import (
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dialect/google"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/sse"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// splitModelMethod pulls "<model>:<method>" apart — the Gemini wire
// convention packs both into one path segment.
func splitModelMethod(raw string) (model, method string) {
	i := strings.LastIndex(raw, ":")
	if i < 0 {
		return raw, ""
	}
	return raw[:i], raw[i+1:]
}

// handleGenerateContentPath serves /{v1beta,v1}/models/{model}:{method} for
// generateContent, streamGenerateContent, and countTokens.
func (s *Server) handleGenerateContentPath(ctx *fasthttp.RequestCtx) {
	raw, _ := ctx.UserValue("model").(string)
	model, method := splitModelMethod(raw)

	body := ctx.PostBody()
	chatBody, err := google.ToChatCompletions(model, body)
	if err != nil {
		writeInvalidBody(ctx, "google", err)
		return
	}

	if method == "countTokens" {
		n := tokencount.EstimateChat(chatBody, model, nil)
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		b, _ := json.Marshal(map[string]any{"totalTokens": n})
		ctx.SetBody(b)
		return
	}

	stream := method == "streamGenerateContent"

	req := &dispatch.Request{
		Header:               headerFromCtx(ctx),
		Method:                "POST",
		Path:                 "/v1/chat/completions",
		Model:                model,
		PromptText:           jsonMessageContent(chatBody),
		EstimatedInputTokens: tokencount.EstimateChat(chatBody, model, nil),
		Stream:               stream,
		RawBody:              body,
		ChatBody:             chatBody,
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "google", aerr)
		return
	}

	if resp.Events != nil {
		s.writeGenerateContentStream(ctx, resp, model)
		return
	}
	s.writeGenerateContentUnary(ctx, resp)
}

func (s *Server) writeGenerateContentUnary(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	if resp.Dialect == "raw" {
		writeJSONResponse(ctx, resp)
		return
	}
	out, err := google.FromChatCompletions(resp.Body)
	if err != nil {
		writeDispatchError(ctx, "google", translationFailure(err))
		return
	}
	writeHeader(ctx, resp.Header)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(resp.StatusCode)
	b, _ := json.Marshal(out)
	ctx.SetBody(b)
}

func (s *Server) writeGenerateContentStream(ctx *fasthttp.RequestCtx, resp *dispatch.Response, model string) {
	if resp.Dialect == "raw" {
		writeSSEResponse(ctx, resp)
		return
	}
	writeReencodedSSE(ctx, resp, func(w *sse.Writer) sseReencoder {
		return google.NewEncoder(w, model)
	})
}

// handleCloudCodeGenerateContent serves the Cloud Code `v1internal`
// variants: the model is carried in the request body instead of the path,
// and a successful unary response is wrapped in the {response, responseId,
// modelVersion} envelope (spec §4.C11's Cloud Code variant).
func (s *Server) handleCloudCodeGenerateContent(ctx *fasthttp.RequestCtx) {
	var envelope struct {
		Model   string          `json:"model"`
		Request json.RawMessage `json:"request"`
	}
	body := ctx.PostBody()
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Model == "" {
		writeInvalidBody(ctx, "google", err)
		return
	}

	innerBody := envelope.Request
	if len(innerBody) == 0 {
		innerBody = body
	}

	chatBody, err := google.ToChatCompletions(envelope.Model, innerBody)
	if err != nil {
		writeInvalidBody(ctx, "google", err)
		return
	}

	stream := strings.HasSuffix(string(ctx.Path()), "streamGenerateContent")

	req := &dispatch.Request{
		Header:               headerFromCtx(ctx),
		Method:                "POST",
		Path:                 "/v1/chat/completions",
		Model:                envelope.Model,
		PromptText:           jsonMessageContent(chatBody),
		EstimatedInputTokens: tokencount.EstimateChat(chatBody, envelope.Model, nil),
		Stream:               stream,
		RawBody:              body,
		ChatBody:             chatBody,
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "google", aerr)
		return
	}

	if resp.Events != nil {
		s.writeGenerateContentStream(ctx, resp, envelope.Model)
		return
	}

	if resp.Dialect == "raw" {
		writeJSONResponse(ctx, resp)
		return
	}
	out, err := google.FromChatCompletions(resp.Body)
	if err != nil {
		writeDispatchError(ctx, "google", translationFailure(err))
		return
	}
	wrapped := google.ToCloudCode(out, resp.RequestID, envelope.Model)
	writeHeader(ctx, resp.Header)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(resp.StatusCode)
	b, _ := json.Marshal(wrapped)
	ctx.SetBody(b)
}
