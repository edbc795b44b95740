package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// RetrievalMetrics implements ports.RetrievalObserver.
type RetrievalMetrics struct {
	service string

	searchTotal    *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  *prometheus.HistogramVec
	routeTotal     *prometheus.CounterVec
	routeConf      *prometheus.HistogramVec
	rerankTotal    *prometheus.CounterVec
	indexTotal     *prometheus.CounterVec
	indexChunks    *prometheus.CounterVec
}

func NewRetrievalMetrics(service string, reg prometheus.Registerer) *RetrievalMetrics {
	m := &RetrievalMetrics{
		service: service,
		searchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "search_total",
			Help:      "Searches by mode and status.",
		}, []string{"service", "mode", "status"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Search duration in seconds by mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "mode"}),
		searchResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "search_results",
			Help:      "Chunks returned per successful search.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		}, []string{"service", "mode"}),
		routeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Router decisions by intent and path.",
		}, []string{"service", "intent", "path", "rewritten"}),
		routeConf: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "confidence",
			Help:      "Router decision confidence by path.",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}, []string{"service", "path"}),
		rerankTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "calls_total",
			Help:      "Rerank calls by outcome.",
		}, []string{"service", "outcome"}),
		indexTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "operations_total",
			Help:      "Index maintenance operations by status.",
		}, []string{"service", "operation", "status"}),
		indexChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunks_total",
			Help:      "Chunks touched by index maintenance operations.",
		}, []string{"service", "operation"}),
	}
	reg.MustRegister(
		m.searchTotal,
		m.searchDuration,
		m.searchResults,
		m.routeTotal,
		m.routeConf,
		m.rerankTotal,
		m.indexTotal,
		m.indexChunks,
	)
	return m
}

func (m *RetrievalMetrics) ObserveSearch(mode string, duration time.Duration, results int, err error) {
	m.searchTotal.WithLabelValues(m.service, mode, status(err)).Inc()
	m.searchDuration.WithLabelValues(m.service, mode).Observe(duration.Seconds())
	if err == nil {
		m.searchResults.WithLabelValues(m.service, mode).Observe(float64(results))
	}
}

func (m *RetrievalMetrics) ObserveRoute(decision domain.RouteDecision) {
	rewritten := "false"
	if decision.ResolvedQuery != nil {
		rewritten = "true"
	}
	m.routeTotal.WithLabelValues(m.service, string(decision.Intent), string(decision.Path), rewritten).Inc()
	m.routeConf.WithLabelValues(m.service, string(decision.Path)).Observe(decision.Confidence)
}

func (m *RetrievalMetrics) ObserveRerank(outcome string) {
	m.rerankTotal.WithLabelValues(m.service, outcome).Inc()
}

func (m *RetrievalMetrics) ObserveIndex(operation string, chunks int, err error) {
	m.indexTotal.WithLabelValues(m.service, operation, status(err)).Inc()
	if chunks > 0 {
		m.indexChunks.WithLabelValues(m.service, operation).Add(float64(chunks))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
