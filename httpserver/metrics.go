package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/reqlog"
)

// metrics is the Prometheus instrumentation surface.
type metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func newMetrics(log *logging.Logger, buffer *reqlog.Buffer) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scim_http_requests_total",
			Help: "Handled HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scim_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scim_http_requests_in_flight",
			Help: "Requests currently being handled.",
		}),
	}
	m.registry.MustRegister(m.requests, m.duration, m.inFlight)
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "scim_reqlog_dropped_total",
		Help: "Audit records dropped on buffer overflow.",
	}, func() float64 { return float64(buffer.Dropped()) }))
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "scim_log_subscriber_dropped_total",
		Help: "Log entries dropped for slow stream subscribers.",
	}, func() float64 { return float64(log.SubscriberDrops()) }))
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
