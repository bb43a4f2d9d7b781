package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments the API: per-operation request counts and
// latencies, plus the defect counts observed by the last validation.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	defects  *prometheus.GaugeVec
}

// NewMetrics builds a self-contained metrics set with its own registry,
// so tests can hold several servers without collector collisions.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_requests_total",
			Help: "API requests by operation and status code.",
		}, []string{"op", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_request_duration_seconds",
			Help:    "API request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		defects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigil_defects",
			Help: "Defects by kind as of the last validation run.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDefects replaces the defect gauge with the given per-kind
// counts. Kinds absent from counts reset to zero on the next scrape via
// Reset, so resolved defects do not linger.
func (m *Metrics) ObserveDefects(counts map[string]int) {
	m.defects.Reset()
	for kind, n := range counts {
		m.defects.WithLabelValues(kind).Set(float64(n))
	}
}

// statusRecorder captures the written status code for the counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with request counting and timing.
func (s *Server) instrument(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		s.metrics.requests.WithLabelValues(op, strconv.Itoa(rec.status)).Inc()
	}
}
