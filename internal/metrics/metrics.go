package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleettrack"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	producerErrors prometheus.Counter
	polls          prometheus.Counter
	pollFailures   prometheus.Counter
	sessions       prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache reads served from a live entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache reads that invoked the producer.",
		}),
		producerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "producer_errors_total",
			Help: "Producer invocations that failed and were not cached.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "polls_total",
			Help: "Live location polls issued by refresh schedulers.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "refresh", Name: "poll_failures_total",
			Help: "Live location polls that failed.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tracking", Name: "active_sessions",
			Help: "Open tracking sessions.",
		}),
	}

	registry.MustRegister(m.cacheHits, m.cacheMisses, m.producerErrors, m.polls, m.pollFailures, m.sessions)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) ProducerError() {
	if m != nil {
		m.producerErrors.Inc()
	}
}

func (m *Metrics) Poll() {
	if m != nil {
		m.polls.Inc()
	}
}

func (m *Metrics) PollFailure() {
	if m != nil {
		m.pollFailures.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}
