package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports gateway traffic. A nil *Metrics records nothing.
type Metrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	warmSpawns prometheus.Counter
}

// NewMetrics registers the gateway collectors on reg, usually the
// orchestrator's registry so one /metrics serves both.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "requests_total",
				Help:      "Inference requests by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Inference request latency by path",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"path"},
		),
		warmSpawns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "warm_spawns_total",
				Help:      "Times the warm instance was spawned",
			},
		),
	}
	reg.MustRegister(m.requests, m.duration, m.warmSpawns)
	return m
}

func (m *Metrics) warmSpawned() {
	if m == nil {
		return
	}
	m.warmSpawns.Inc()
}

func outcome(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "success"
	}
}

// instrument counts and times requests served by next under path.
func (m *Metrics) instrument(path string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.requests.WithLabelValues(path, outcome(status)).Inc()
			m.duration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		})
	}
}

