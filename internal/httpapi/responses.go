package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dialect/responses"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/sse"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// handleResponses serves POST /v1/responses. When the resolved backend
// answers the Responses shape natively (resp.Shim != ""), the dispatcher's
// own shim has already re-encoded the payload — this handler forwards it
// verbatim. Otherwise it renders the Chat-Completions-shaped result into
// the Responses dialect itself.
func (s *Server) handleResponses(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()

	chatBody, err := responses.ToChatCompletions(body)
	if err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}

	var parsed responses.Request
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}

	req := &dispatch.Request{
		Header:               headerFromCtx(ctx),
		Method:                "POST",
		Path:                 "/v1/responses",
		Model:                parsed.Model,
		PromptText:           jsonMessageContent(chatBody),
		EstimatedInputTokens: tokencount.EstimateResponses(body, nil),
		Stream:               parsed.Stream,
		RawBody:              body,
		ChatBody:             chatBody,
	}
	if parsed.MaxOutputTokens != nil {
		req.MaxOutputTokens = uint32(*parsed.MaxOutputTokens)
	}

	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "openai", aerr)
		return
	}

	if resp.Events != nil {
		s.writeResponsesStream(ctx, resp)
		return
	}
	s.writeResponsesUnary(ctx, resp)
}

func (s *Server) writeResponsesUnary(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	switch {
	case resp.Dialect == "raw":
		// A raw-HTTP backend already speaking the Responses dialect.
		writeJSONResponse(ctx, resp)
	case resp.Shim != "":
		// The dispatcher's own /v1/responses shim already translated this.
		writeJSONResponse(ctx, resp)
	default:
		out, err := responses.FromChatCompletions(resp.Body)
		if err != nil {
			writeDispatchError(ctx, "openai", translationFailure(err))
			return
		}
		writeHeader(ctx, resp.Header)
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(resp.StatusCode)
		ctx.SetBody(out)
	}
}

func (s *Server) writeResponsesStream(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	switch {
	case resp.Dialect == "raw":
		writeSSEResponse(ctx, resp)
	case resp.Shim != "":
		// Already re-encoded into Responses SSE frames by the dispatcher.
		writeSSEResponse(ctx, resp)
	default:
		writeReencodedSSE(ctx, resp, func(w *sse.Writer) sseReencoder {
			return responses.NewEncoder(w, resp.RequestID, "")
		})
	}
}
