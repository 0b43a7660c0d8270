package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dialect/anthropic"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/sse"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// handleMessages serves POST /v1/messages: translates the Anthropic
// request into the Chat-Completions shape the dispatcher drives, then
// renders the result back into the Anthropic wire dialect unless the
// resolved backend already speaks Anthropic natively (Dialect == "raw").
func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	chatBody, err := anthropic.ToChatCompletions(body)
	if err != nil {
		writeInvalidBody(ctx, "anthropic", err)
		return
	}

	var parsed anthropic.Request
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeInvalidBody(ctx, "anthropic", err)
		return
	}

	req := &dispatch.Request{
		Header:               headerFromCtx(ctx),
		Method:                "POST",
		Path:                 "/v1/messages",
		Model:                parsed.Model,
		PromptText:           jsonMessageContent(chatBody),
		EstimatedInputTokens: tokencount.EstimateChat(chatBody, parsed.Model, nil),
		MaxOutputTokens:      uint32(parsed.MaxTokens),
		Stream:               parsed.Stream,
		RawBody:              body,
		ChatBody:             chatBody,
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "anthropic", aerr)
		return
	}

	if resp.Events != nil {
		s.writeMessagesStream(ctx, resp)
		return
	}
	s.writeMessagesUnary(ctx, resp)
}

func (s *Server) writeMessagesUnary(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	if resp.Dialect == "raw" {
		writeJSONResponse(ctx, resp)
		return
	}
	out, err := anthropic.FromChatCompletions(resp.Body)
	if err != nil {
		writeDispatchError(ctx, "anthropic", translationFailure(err))
		return
	}
	writeHeader(ctx, resp.Header)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetBody(out)
}

func (s *Server) writeMessagesStream(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	if resp.Dialect == "raw" {
		writeSSEResponse(ctx, resp)
		return
	}
	writeReencodedSSE(ctx, resp, func(w *sse.Writer) sseReencoder {
		return anthropic.NewEncoder(w, resp.RequestID, "")
	})
}

// handleCountTokens serves POST /v1/messages/count_tokens: translates the
// request body and returns the estimated input token count without
// dispatching to any backend (spec §4.C11's token-count is advisory-only
// and never touches the ledger or rate limiter).
func (s *Server) handleCountTokens(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	chatBody, err := anthropic.ToChatCompletions(body)
	if err != nil {
		writeInvalidBody(ctx, "anthropic", err)
		return
	}
	var parsed anthropic.Request
	_ = json.Unmarshal(body, &parsed)

	n := tokencount.EstimateChat(chatBody, parsed.Model, nil)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	b, _ := json.Marshal(map[string]any{"input_tokens": n})
	ctx.SetBody(b)
}
