package registry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koltyakov/distproxy/internal/domain"
)

type entryCount struct {
	pool      string
	transport domain.Transport
	n         int
}

// metrics is per Registry so several registries can live in one process.
type metrics struct {
	registry *prometheus.Registry

	punches    *prometheus.CounterVec
	selections *prometheus.CounterVec
	probes     *prometheus.CounterVec
	removed    prometheus.Counter
	sweeps     prometheus.Histogram
	snapshots  *prometheus.CounterVec
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newMetrics(entries func() []entryCount) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		punches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distproxy_punches_total",
				Help: "Punch requests by pool, transport, route version and outcome",
			},
			[]string{"pool", "transport", "route", "result"},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distproxy_selections_total",
				Help: "Proxy selections by pool, transport, scope and outcome",
			},
			[]string{"pool", "transport", "scope", "result"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distproxy_health_probes_total",
				Help: "Health probes by outcome",
			},
			[]string{"result"},
		),
		removed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "distproxy_health_removed_entries_total",
				Help: "Entries dropped because their host failed a health probe",
			},
		),
		sweeps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "distproxy_health_sweep_duration_seconds",
				Help:    "Duration of health sweeps",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10, 30},
			},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distproxy_snapshot_writes_total",
				Help: "Pool snapshot writes by pool and outcome",
			},
			[]string{"pool", "result"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distproxy_http_requests_total",
				Help: "Registry HTTP requests",
			},
			[]string{"code", "method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "distproxy_http_request_duration_seconds",
				Help: "Registry HTTP request latency",
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		m.punches,
		m.selections,
		m.probes,
		m.removed,
		m.sweeps,
		m.snapshots,
		m.requests,
		m.duration,
		&entriesCollector{
			desc: prometheus.NewDesc(
				"distproxy_pool_entries",
				"Entries currently held per pool and transport",
				[]string{"pool", "transport"}, nil,
			),
			entries: entries,
		},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.duration,
		promhttp.InstrumentHandlerCounter(m.requests, next))
}

func (m *metrics) persistObserver(poolName string) func(error) {
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.snapshots.WithLabelValues(poolName, result).Inc()
	}
}

type entriesCollector struct {
	desc    *prometheus.Desc
	entries func() []entryCount
}

func (c *entriesCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *entriesCollector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.entries() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(e.n), e.pool, string(e.transport))
	}
}
