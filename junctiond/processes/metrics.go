package processes

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports orchestrator activity. A nil *Metrics records nothing.
type Metrics struct {
	spawns          *prometheus.CounterVec
	removes         *prometheus.CounterVec
	exits           prometheus.Counter
	instances       *prometheus.GaugeVec
	collectDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates the orchestrator collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "junctiond"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_total",
			Help:      "Total number of spawn requests by result",
		},
		[]string{"result"},
	)

	m.removes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removes_total",
			Help:      "Total number of remove requests by result",
		},
		[]string{"result"},
	)

	m.exits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Total number of instance exits observed",
		},
	)

	m.instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Instances currently tracked by state",
		},
		[]string{"state"},
	)

	m.collectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collect_duration_seconds",
			Help:      "Time spent waiting for instance output in Collect",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	m.registry.MustRegister(
		m.spawns,
		m.removes,
		m.exits,
		m.instances,
		m.collectDuration,
	)

	return m
}

// Registry returns the registry holding these collectors. Other components
// register their own collectors on it so one /metrics endpoint serves all.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) spawned(err error) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) removed(err error) {
	if m == nil {
		return
	}
	m.removes.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) exited(n int) {
	if m == nil || n == 0 {
		return
	}
	m.exits.Add(float64(n))
}

func (m *Metrics) setInstances(running, exited int) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues("running").Set(float64(running))
	m.instances.WithLabelValues("exited").Set(float64(exited))
}

func (m *Metrics) collected(d time.Duration) {
	if m == nil {
		return
	}
	m.collectDuration.Observe(d.Seconds())
}
