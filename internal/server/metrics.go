package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataflow-works/config-registry/pkg/commands"
)

// Metrics holds the server's Prometheus collectors on a private registry so
// tests can run several servers without duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	commands *prometheus.CounterVec
}

// NewMetrics builds the collector set and registers it together with the
// standard Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_http_requests_total",
			Help: "HTTP requests served, partitioned by method and status code.",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, partitioned by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_commands_total",
			Help: "Commands executed, partitioned by kind, entity type and outcome.",
		}, []string{"kind", "entity_type", "outcome"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records one requests-total increment and one latency observation
// per served request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		m.latency.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveCommand counts one executed command, labelling failures with the
// reply's error kind.
func (m *Metrics) ObserveCommand(cmd commands.Command, reply commands.Reply) {
	outcome := "ok"
	if reply.Error != nil {
		outcome = string(reply.Error.Kind)
	}
	m.commands.WithLabelValues(string(cmd.Kind), string(cmd.EntityType), outcome).Inc()
}
