package httpapi

import (
	"encoding/json"
	"io"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// handleFilesUpload serves POST /v1/files: parses the multipart body into
// a providers.FileUploadRequest and drives it through the dispatcher so
// the request still gets auth/rate-limit/audit treatment like every other
// client-facing endpoint, just with Kind routed to the typed FileClient
// adapter (spec C10) instead of a raw-proxy forward.
func (s *Server) handleFilesUpload(ctx *fasthttp.RequestCtx) {
	form, err := ctx.MultipartForm()
	if err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}

	purpose := ""
	if vals := form.Value["purpose"]; len(vals) > 0 {
		purpose = vals[0]
	}

	fileHeaders := form.File["file"]
	if len(fileHeaders) == 0 {
		writeJSONBody(ctx, fasthttp.StatusBadRequest, map[string]any{"error": "file is required"})
		return
	}
	fh := fileHeaders[0]
	f, err := fh.Open()
	if err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}

	upload := &providers.FileUploadRequest{
		Filename:  fh.Filename,
		Purpose:   purpose,
		Bytes:     data,
		MediaType: fh.Header.Get("Content-Type"),
	}

	req := &dispatch.Request{
		Header:     headerFromCtx(ctx),
		Method:     "POST",
		Path:       "/v1/files",
		RawBody:    data,
		Kind:       "files.upload",
		FileUpload: upload,
	}
	s.dispatchJSON(ctx, req)
}

// handleFilesList serves GET /v1/files.
func (s *Server) handleFilesList(ctx *fasthttp.RequestCtx) {
	s.dispatchJSON(ctx, &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "GET", Path: "/v1/files", Kind: "files.list",
	})
}

// handleFileGet serves GET /v1/files/{id}.
func (s *Server) handleFileGet(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	s.dispatchJSON(ctx, &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "GET", Path: "/v1/files/" + id, Kind: "files.retrieve", FileID: id,
	})
}

// handleFileDelete serves DELETE /v1/files/{id}.
func (s *Server) handleFileDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	s.dispatchJSON(ctx, &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "DELETE", Path: "/v1/files/" + id, Kind: "files.delete", FileID: id,
	})
}

// handleFileContent serves GET /v1/files/{id}/content: the dispatcher
// returns the raw bytes (Dialect "raw"), forwarded untouched with the
// upstream's own Content-Type instead of being wrapped as JSON.
func (s *Server) handleFileContent(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	req := &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "GET", Path: "/v1/files/" + id + "/content", Kind: "files.content", FileID: id,
	}
	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "openai", aerr)
		return
	}
	writeHeader(ctx, resp.Header)
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetBody(resp.Body)
}

// handleBatchesCreate serves POST /v1/batches.
func (s *Server) handleBatchesCreate(ctx *fasthttp.RequestCtx) {
	var body translate.BatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeInvalidBody(ctx, "openai", err)
		return
	}
	s.dispatchJSON(ctx, &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "POST", Path: "/v1/batches", RawBody: ctx.PostBody(),
		Kind: "batches.create", BatchReq: body,
	})
}

// handleBatchGet serves GET /v1/batches/{id}.
func (s *Server) handleBatchGet(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	s.dispatchJSON(ctx, &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "GET", Path: "/v1/batches/" + id, Kind: "batches.retrieve", BatchID: id,
	})
}

// handleBatchCancel serves POST /v1/batches/{id}/cancel.
func (s *Server) handleBatchCancel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	s.dispatchJSON(ctx, &dispatch.Request{
		Header: headerFromCtx(ctx), Method: "POST", Path: "/v1/batches/" + id + "/cancel", Kind: "batches.cancel", BatchID: id,
	})
}

// dispatchJSON runs req through the dispatcher and renders the result as a
// plain JSON body — every files/batches endpoint is single-shot, never
// streamed.
func (s *Server) dispatchJSON(ctx *fasthttp.RequestCtx, req *dispatch.Request) {
	resp, aerr := s.dispatcher.Dispatch(ctx, req)
	if aerr != nil {
		writeDispatchError(ctx, "openai", aerr)
		return
	}
	writeJSONResponse(ctx, resp)
}
