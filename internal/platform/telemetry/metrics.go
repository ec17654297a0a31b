// Package telemetry exposes Prometheus metrics for the HTTP surface, the CRM
// client and claim billing events.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimsdesk"

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	crmRequests  *prometheus.CounterVec
	crmLatency   *prometheus.HistogramVec
	claimEvents  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		crmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "requests_total",
			Help:      "Outbound CRM calls by endpoint and status.",
		}, []string{"endpoint", "status"}),
		crmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "request_duration_seconds",
			Help:      "Outbound CRM call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		claimEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "events_total",
			Help:      "Billing events recorded to the audit trail, by action.",
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.crmRequests, m.crmLatency,
		m.claimEvents,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware counts every request under its route template, so path
// parameters never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ObserveCRM matches the CRM client's observer hook.
func (m *Metrics) ObserveCRM(path string, status int, latency time.Duration) {
	endpoint := crmEndpoint(path)
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.crmRequests.WithLabelValues(endpoint, code).Inc()
	m.crmLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// crmEndpoint keeps the first path segment: "/contacts/abc" -> "/contacts".
func crmEndpoint(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return "/" + trimmed
}

// AuditRecorder is the audit sink signature used by the claims service.
type AuditRecorder interface {
	Record(ctx context.Context, action, resourceType, resourceID, patientID, patientName, description string, metadata map[string]any)
}

// CountingAudit forwards to an audit sink and counts each event by action.
type CountingAudit struct {
	next    AuditRecorder
	metrics *Metrics
}

func (m *Metrics) CountingAudit(next AuditRecorder) *CountingAudit {
	return &CountingAudit{next: next, metrics: m}
}

func (a *CountingAudit) Record(ctx context.Context, action, resourceType, resourceID, patientID, patientName, description string, metadata map[string]any) {
	a.metrics.claimEvents.WithLabelValues(action).Inc()
	if a.next != nil {
		a.next.Record(ctx, action, resourceType, resourceID, patientID, patientName, description, metadata)
	}
}
