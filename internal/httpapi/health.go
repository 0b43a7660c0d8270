package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// handleHealth serves GET /health: a JSON snapshot of every component's
// last probe result (spec §6).
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := s.health.Snapshot()
	status := fasthttp.StatusOK
	if snap.Status != "ok" {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSONBody(ctx, status, snap)
}

// handleReadiness serves GET /readiness for orchestrator liveness probes:
// 200 when HealthChecker.ReadinessOK reports the database status as ok,
// 503 otherwise. NewHealthChecker installs no database probe, and a
// missing probe counts as ok.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health.ReadinessOK() {
		writeJSONBody(ctx, fasthttp.StatusOK, map[string]any{"ready": true})
		return
	}
	writeJSONBody(ctx, fasthttp.StatusServiceUnavailable, map[string]any{"ready": false})
}

// handleA2AStub serves POST /a2a/{agent_id}: the spec's External Interfaces
// list this JSON-RPC surface, but the agent tool-loop it would front is an
// out-of-scope external collaborator, so every call gets a well-formed
// method_not_found rather than a bare 404.
func (s *Server) handleA2AStub(ctx *fasthttp.RequestCtx) {
	var envelope struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &envelope)
	apierr.WriteJSONRPC(ctx, envelope.ID, apierr.JSONRPCMethodNotFound, "agent tool-loop is not implemented by this gateway")
}
