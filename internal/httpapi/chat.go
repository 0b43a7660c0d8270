package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// handleChatCompletions serves the native /v1/chat/completions and
// /v1/completions surface: no dialect translation is needed in either
// direction since the dispatcher already speaks this shape.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	var parsed struct {
		Model     string `json:"model"`
		Stream    bool   `json:"stream"`
		MaxTokens *int   `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}

	req := &dispatch.Request{
		Header:               headerFromCtx(ctx),
		Method:                "POST",
		Path:                 string(ctx.Path()),
		Model:                parsed.Model,
		PromptText:           jsonMessageContent(body),
		EstimatedInputTokens: tokencount.EstimateChat(body, parsed.Model, nil),
		Stream:               parsed.Stream,
		RawBody:              body,
		ChatBody:             body,
	}
	if parsed.MaxTokens != nil {
		req.MaxOutputTokens = uint32(*parsed.MaxTokens)
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "openai", aerr)
		return
	}
	if resp.Events != nil {
		writeSSEResponse(ctx, resp)
		return
	}
	writeJSONResponse(ctx, resp)
}

// handleEmbeddings serves /v1/embeddings. When the resolved backend is a
// raw-HTTP proxy, dispatch forwards RawBody untouched; when it is a typed
// translation backend, EmbedInput drives translate.Backend.Embeddings via
// Request.Kind.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	var parsed struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}

	req := &dispatch.Request{
		Header:               headerFromCtx(ctx),
		Method:                "POST",
		Path:                 "/v1/embeddings",
		Model:                parsed.Model,
		EstimatedInputTokens: tokencount.EstimateStrings(body, nil),
		RawBody:              body,
		ChatBody:             body,
		Kind:                 "embeddings",
		EmbedInput:           embeddingInputStrings(parsed.Input),
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "openai", aerr)
		return
	}
	writeJSONResponse(ctx, resp)
}

func embeddingInputStrings(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	return nil
}

// handleRawProxy serves the catch-all passthrough endpoints the dispatcher
// forwards byte-for-byte to a raw-HTTP backend (moderations, images, audio,
// rerank, batches, files) — none of these carry a model-routed dialect
// translation, so Model is read best-effort and absent entirely for the
// file/batch management endpoints.
func (s *Server) handleRawProxy(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	var parsed struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &parsed)

	req := &dispatch.Request{
		Header:   headerFromCtx(ctx),
		Method:   string(ctx.Method()),
		Path:     string(ctx.Path()),
		Model:    parsed.Model,
		RawBody:  body,
		ChatBody: body,
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "openai", aerr)
		return
	}
	if resp.Events != nil {
		writeSSEResponse(ctx, resp)
		return
	}
	writeJSONResponse(ctx, resp)
}
