package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics instruments maintenance commands consumed from the queue.
type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	queueLag *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	m := &WorkerMetrics{
		service:  service,
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "commands_total",
			Help:      "Maintenance commands handled, by kind and status.",
		}, []string{"service", "kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "command_duration_seconds",
			Help:      "Time spent applying one maintenance command.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"service", "kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "commands_in_flight",
			Help:        "Maintenance commands currently being applied.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		queueLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between publishing a command and the worker picking it up.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"service", "kind"}),
	}
	m.registry.MustRegister(m.commands, m.duration, m.inFlight, m.queueLag)
	return m
}

func (m *WorkerMetrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Track runs fn as one command of kind. A zero enqueuedAt skips the lag sample.
func (m *WorkerMetrics) Track(kind string, enqueuedAt time.Time, fn func() error) error {
	started := time.Now()
	if !enqueuedAt.IsZero() && started.After(enqueuedAt) {
		m.queueLag.WithLabelValues(m.service, kind).Observe(started.Sub(enqueuedAt).Seconds())
	}

	m.inFlight.Inc()
	err := fn()
	m.inFlight.Dec()

	m.commands.WithLabelValues(m.service, kind, status(err)).Inc()
	m.duration.WithLabelValues(m.service, kind).Observe(time.Since(started).Seconds())
	return err
}
