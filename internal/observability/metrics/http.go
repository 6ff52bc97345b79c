package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

const namespace = "lease"

// HTTPServerMetrics owns the API process registry. Scheduler ticks that
// arrive over HTTP are recorded here as well.
type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadsTotal   *prometheus.CounterVec
	uploadBytes    prometheus.Histogram
	rejectedTotal  *prometheus.CounterVec
	downloadsTotal *prometheus.CounterVec

	ticks *SchedulerMetrics
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	svc := prometheus.Labels{"service": service}
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: svc,
		}, labels)
	}

	m := &HTTPServerMetrics{
		registry:     registry,
		requestTotal: counter("http", "requests_total", "Total HTTP requests processed.", "method", "path", "status"),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: svc,
		}, []string{"method", "path"}),
		requestInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: svc,
		}),
		uploadsTotal: counter("upload", "requests_total", "Lease uploads by outcome.", "outcome"),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "upload",
			Name:        "size_bytes",
			Help:        "Size of accepted lease uploads.",
			Buckets:     prometheus.ExponentialBuckets(64<<10, 4, 8),
			ConstLabels: svc,
		}),
		rejectedTotal:  counter("http", "rejected_total", "Requests refused by traffic control or upload validation.", "reason"),
		downloadsTotal: counter("results", "downloads_total", "Result downloads by format.", "format"),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.requestInFlight,
		m.uploadsTotal,
		m.uploadBytes,
		m.rejectedTotal,
		m.downloadsTotal,
	)
	m.ticks = NewSchedulerMetrics(registry, service)
	return m
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) ObserveTick(report domain.TickReport, err error) {
	m.ticks.ObserveTick(report, err)
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath folds job ids so label cardinality stays bounded.
func normalizePath(path string) string {
	const prefix = "/v1/lease-jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	if strings.HasSuffix(path, "/download") {
		return prefix + "{job_id}/download"
	}
	return prefix + "{job_id}"
}

func (m *HTTPServerMetrics) RecordUpload(outcome string, size int64) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" && size > 0 {
		m.uploadBytes.Observe(float64(size))
	}
}

func (m *HTTPServerMetrics) RecordRejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *HTTPServerMetrics) RecordDownload(format string) {
	m.downloadsTotal.WithLabelValues(format).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
