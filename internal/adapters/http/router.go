package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
)

const serviceName = "api"

// Dependencies are the inbound use cases served over HTTP. Queue and
// Rebuilder are optional.
type Dependencies struct {
	Searcher   ports.Searcher
	Classifier ports.QueryClassifier
	Retriever  ports.Retriever
	Maintainer ports.IndexMaintainer
	Sources    ports.SourceBrowser
	Rebuilder  ports.SparseRebuilder
	Queue      ports.MaintenanceQueue
	Metrics    *metrics.HTTPServerMetrics
	Health     func() map[string]any
}

type Router struct {
	deps Dependencies

	defaultTopK      int
	defaultThreshold float64
	indexAsync       bool

	rateLimitRPS   float64
	rateLimitBurst int
	maxInFlight    int
	queueWait      time.Duration
}

func NewRouter(cfg config.Config, deps Dependencies) *Router {
	topK := cfg.RAGTopK
	if topK <= 0 {
		topK = 5
	}
	return &Router{
		deps:             deps,
		defaultTopK:      topK,
		defaultThreshold: cfg.RAGSimilarityThreshold,
		indexAsync:       cfg.IndexAsync && deps.Queue != nil,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxConns,
		queueWait:        250 * time.Millisecond,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.deps.Metrics != nil {
		mux.Handle("GET /metrics", rt.deps.Metrics.Handler())
	}
	mux.HandleFunc("POST /v1/search", rt.search)
	mux.HandleFunc("POST /v1/route", rt.route)
	mux.HandleFunc("POST /v1/retrieve", rt.retrieve)
	mux.HandleFunc("POST /v1/chunks", rt.indexChunks)
	mux.HandleFunc("GET /v1/sources", rt.listSources)
	mux.HandleFunc("DELETE /v1/sources", rt.removeSource)
	mux.HandleFunc("GET /v1/sources/chunks", rt.chunksBySource)
	mux.HandleFunc("DELETE /v1/tenants/{tenant_id}", rt.removeTenant)
	mux.HandleFunc("GET /v1/chunks/{chunk_id}/context", rt.chunkContext)
	mux.HandleFunc("POST /v1/admin/rebuild-sparse", rt.rebuildSparse)

	var handler http.Handler = mux
	if openAPIRouter, err := loadOpenAPIRouter(); err != nil {
		slog.Error("openapi_validation_disabled", "error", err)
	} else {
		handler = requestValidationMiddleware(openAPIRouter, handler)
	}

	handler = backpressureMiddleware(handler, rt.maxInFlight, rt.queueWait, rt.rejected("backpressure"))
	if rt.rateLimitRPS > 0 {
		burst := rt.rateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		handler = rateLimitMiddleware(handler, rate.NewLimiter(rate.Limit(rt.rateLimitRPS), burst), rt.rejected("rate_limit"))
	}
	handler = sentryMiddleware(handler)
	if rt.deps.Metrics != nil {
		handler = rt.deps.Metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) rejected(reason string) func() {
	if rt.deps.Metrics == nil {
		return nil
	}
	return func() { rt.deps.Metrics.RecordRejected(serviceName, reason) }
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"status": "ok"}
	if rt.deps.Health != nil {
		for k, v := range rt.deps.Health() {
			payload[k] = v
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type errorResponse struct {
	Error      string   `json:"error"`
	RequestID  string   `json:"request_id,omitempty"`
	AppliedIDs []string `json:"applied_ids,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
