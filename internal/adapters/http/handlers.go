package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/telemetry"
)

const maxBodyBytes = 8 << 20

type searchRequest struct {
	Query     string   `json:"query"`
	TenantID  string   `json:"tenant_id"`
	TopK      int      `json:"top_k"`
	Threshold *float64 `json:"threshold"`
	Source    *string  `json:"source"`
}

type routeRequest struct {
	Query   string               `json:"query"`
	History []domain.ChatMessage `json:"history"`
}

type indexRequest struct {
	Chunks []domain.Chunk `json:"chunks"`
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	searchReq := domain.SearchRequest{
		Query:     req.Query,
		TenantID:  req.TenantID,
		TopK:      req.TopK,
		Threshold: rt.defaultThreshold,
		Source:    req.Source,
	}
	if searchReq.TopK <= 0 {
		searchReq.TopK = rt.defaultTopK
	}
	if req.Threshold != nil {
		searchReq.Threshold = *req.Threshold
	}

	results, err := rt.deps.Searcher.Search(r.Context(), searchReq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (rt *Router) route(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, rt.deps.Classifier.Classify(r.Context(), req.Query, req.History))
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	var req domain.RetrieveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := rt.deps.Retriever.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.AddBreadcrumb(r.Context(), "route", string(result.Decision.Intent)+" via "+string(result.Decision.Path))
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) indexChunks(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Chunks) == 0 {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "index chunks", errors.New("chunks are required")))
		return
	}

	if rt.indexAsync {
		if err := domain.ValidateBatch(req.Chunks); err != nil {
			writeError(w, r, err)
			return
		}
		if err := rt.deps.Queue.PublishIndex(r.Context(), domain.IndexCommand{Chunks: req.Chunks}); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "chunks": len(req.Chunks)})
		return
	}

	ids, err := rt.deps.Maintainer.Index(r.Context(), req.Chunks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "indexed": len(ids)})
}

func (rt *Router) removeSource(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	tenantID := r.URL.Query().Get("tenant_id")
	if source == "" {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "remove source", errors.New("source is required")))
		return
	}
	if rt.indexAsync {
		rt.queueRemove(w, r, domain.RemoveCommand{TenantID: tenantID, Source: source})
		return
	}
	removed, err := rt.deps.Maintainer.Remove(r.Context(), source, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (rt *Router) removeTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "remove tenant", errors.New("tenant_id is required")))
		return
	}
	if rt.indexAsync {
		rt.queueRemove(w, r, domain.RemoveCommand{TenantID: tenantID})
		return
	}
	removed, err := rt.deps.Maintainer.RemoveTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (rt *Router) queueRemove(w http.ResponseWriter, r *http.Request, cmd domain.RemoveCommand) {
	if err := rt.deps.Queue.PublishRemove(r.Context(), cmd); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (rt *Router) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := rt.deps.Sources.ListSources(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (rt *Router) chunksBySource(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "chunks by source", errors.New("source is required")))
		return
	}
	chunks, err := rt.deps.Sources.ChunksBySource(r.Context(), source, r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (rt *Router) chunkContext(w http.ResponseWriter, r *http.Request) {
	size := 2
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "chunk context", errors.New("size must be a non-negative integer")))
			return
		}
		size = parsed
	}
	window, err := rt.deps.Sources.ChunkWithContext(r.Context(), r.PathValue("chunk_id"), r.URL.Query().Get("tenant_id"), size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (rt *Router) rebuildSparse(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Rebuilder == nil {
		writeError(w, r, domain.WrapError(domain.ErrConfiguration, "rebuild sparse", errors.New("sparse index is disabled")))
		return
	}
	n, err := rt.deps.Rebuilder.Rebuild(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": n})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("invalid json")))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	resp := errorResponse{Error: err.Error(), RequestID: requestIDFromContext(r.Context())}
	if partial, ok := domain.AsPartialBatch(err); ok {
		resp.AppliedIDs = partial.AppliedIDs
	}
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed", "request_id", resp.RequestID, "path", r.URL.Path, "error", err)
		telemetry.CaptureError(r.Context(), err)
	}
	writeJSON(w, status, resp)
}
