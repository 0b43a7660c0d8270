// Package httpapi is the HTTP ingress of spec §6: it parses each dialect's
// wire request into an internal/dispatch.Request, drives the twelve-step
// pipeline, and renders the result back in the dialect the client actually
// spoke (spec §4.C11's translators sit at this boundary, not inside the
// dispatcher, which only ever sees OpenAI Chat-Completions-shaped bodies).
//
// Grounded on the teacher's internal/proxy/router.go fasthttp/router wiring
// and gateway.go's per-endpoint handler shape, generalized from four
// hardcoded OpenAI routes to the full multi-dialect surface.
package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/sse"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// headerFromCtx copies a fasthttp request's headers into a net/http.Header
// so internal/dispatch (and internal/backend beneath it) can stay on the
// standard library's header type.
func headerFromCtx(ctx *fasthttp.RequestCtx) http.Header {
	h := http.Header{}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		h.Add(string(k), string(v))
	})
	return h
}

// writeHeader copies h onto ctx's response, skipping hop-by-hop fields
// fasthttp manages itself.
func writeHeader(ctx *fasthttp.RequestCtx, h http.Header) {
	for k, vals := range h {
		switch k {
		case "Content-Length", "Connection", "Transfer-Encoding":
			continue
		}
		for _, v := range vals {
			ctx.Response.Header.Add(k, v)
		}
	}
}

// writeJSONResponse renders a non-streaming dispatch.Response.
func writeJSONResponse(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	writeHeader(ctx, resp.Header)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetBody(resp.Body)
}

// writeSSEResponse streams resp.Events as `data: ...\n\n` frames verbatim —
// the shape used when the client's own dialect is already Chat-Completions
// or when resp.Dialect == "raw" (a native backend already speaking the
// client's dialect).
func writeSSEResponse(ctx *fasthttp.RequestCtx, resp *dispatch.Response) {
	writeHeader(ctx, resp.Header)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(resp.StatusCode)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // never let a client disconnect panic the server
		for ev := range resp.Events {
			writeSSEFrame(w, ev.Data)
			w.Flush() //nolint:errcheck
		}
	})
}

func writeSSEFrame(w *bufio.Writer, data string) {
	w.WriteString("data: ")
	w.WriteString(data)
	w.WriteString("\n\n")
}

// sseReencoder is satisfied by every internal/dialect/*'s stateful
// Chat-Completions → native-dialect SSE encoder (anthropic.Encoder,
// google.Encoder, responses.Encoder).
type sseReencoder interface {
	Feed(data string) error
	Finish() error
}

// writeReencodedSSE streams resp.Events through a dialect encoder built by
// build, instead of forwarding the Chat-Completions frames verbatim — used
// whenever the client spoke a dialect other than the one resp.Events is
// already encoded in (resp.Dialect == "chat_completions" from a typed
// backend, re-rendered into the client's own wire shape).
func writeReencodedSSE(ctx *fasthttp.RequestCtx, resp *dispatch.Response, build func(w *sse.Writer) sseReencoder) {
	writeHeader(ctx, resp.Header)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(resp.StatusCode)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck
		enc := build(sse.NewWriter(w))
		for ev := range resp.Events {
			_ = enc.Feed(ev.Data)
		}
		_ = enc.Finish()
	})
}

// writeDispatchError renders a *apierr.Error in the given dialect's error
// envelope (spec §7).
func writeDispatchError(ctx *fasthttp.RequestCtx, dialect string, err *apierr.Error) {
	switch dialect {
	case "anthropic":
		apierr.WriteAnthropic(ctx, err)
	case "google":
		apierr.WriteGoogle(ctx, err)
	default:
		apierr.WriteOpenAI(ctx, err)
	}
}

// writeInvalidBody is the shared 400 response for unparsable request JSON.
func writeInvalidBody(ctx *fasthttp.RequestCtx, dialect string, err error) {
	writeDispatchError(ctx, dialect, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "invalid request body: " + err.Error()})
}

// translationFailure wraps an error re-encoding an already-successful
// upstream response into the client's dialect — a backend-shape mismatch,
// not a request problem, so it renders as a backend error.
func translationFailure(err error) *apierr.Error {
	return &apierr.Error{Kind: apierr.KindBackend, Message: "translating upstream response: " + err.Error()}
}

// jsonMessageContent concatenates every text-bearing message's content,
// for the plain-text prompt guardrails (spec §4.C7) and rate-limit token
// estimation need — built once per request from the already-translated
// Chat-Completions body so every dialect shares one extraction path.
func jsonMessageContent(chatBody []byte) string {
	var req struct {
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(chatBody, &req); err != nil {
		return ""
	}
	out := ""
	for _, m := range req.Messages {
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			out += s + "\n"
			continue
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Content, &parts); err == nil {
			for _, p := range parts {
				out += p.Text + "\n"
			}
		}
	}
	return out
}

// nowMinute is the epoch-minute bucket rate-limiting keys off (spec §4.C6).
func nowMinute() int64 { return time.Now().Unix() / 60 }
