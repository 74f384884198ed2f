package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orian/tagbug/catalog"
)

// metrics holds the server's Prometheus collectors. It implements
// catalog.Metrics.
type metrics struct {
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	refreshDuration     prometheus.Histogram
	visibleRecords      prometheus.Gauge
	selectedRecords     prometheus.Gauge
	mutationsTotal      *prometheus.CounterVec
	mutatedRecords      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tagbug",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagbug",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tagbug",
			Name:      "view_refresh_duration_seconds",
			Help:      "Time to recompute the visible page",
			Buckets:   prometheus.DefBuckets,
		}),
		visibleRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tagbug",
			Name:      "visible_records",
			Help:      "Records matching the current filter and subset",
		}),
		selectedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tagbug",
			Name:      "selected_records",
			Help:      "Records in the current selection",
		}),
		mutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagbug",
				Name:      "mutations_total",
				Help:      "Bulk mutations by op and outcome",
			},
			[]string{"op", "outcome"},
		),
		mutatedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tagbug",
				Name:      "mutated_records_total",
				Help:      "Records changed by committed mutations",
			},
			[]string{"op"},
		),
	}
	reg.MustRegister(
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.refreshDuration,
		m.visibleRecords,
		m.selectedRecords,
		m.mutationsTotal,
		m.mutatedRecords,
	)
	return m
}

func (m *metrics) ObserveRefresh(d time.Duration, visible, selected int) {
	m.refreshDuration.Observe(d.Seconds())
	m.visibleRecords.Set(float64(visible))
	m.selectedRecords.Set(float64(selected))
}

func (m *metrics) ObserveMutation(op, outcome string, affected int) {
	m.mutationsTotal.WithLabelValues(op, outcome).Inc()
	if affected > 0 {
		m.mutatedRecords.WithLabelValues(op).Add(float64(affected))
	}
}

// Middleware records HTTP request duration and count.
func (m *metrics) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(ww.status)

			// Use chi route pattern for path normalization
			path := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}

			m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
			m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

var _ catalog.Metrics = (*metrics)(nil)
