package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	processTotal    *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	processInFlight prometheus.Gauge
	queueLag        *prometheus.HistogramVec
	ocrSourceTotal  *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_attempts_total",
			Help:      "Processing attempts by resulting job status and failure class.",
		},
		[]string{"service", "status", "error_class"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_attempt_duration_seconds",
			Help:      "Processing attempt duration in seconds by resulting status.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"service", "status"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed by this worker.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between upload and the first processing attempt.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"service"},
	)
	ocrSourceTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "ocr_source_total",
			Help:      "Completed jobs by the OCR engine that produced their text.",
		},
		[]string{"service", "source"},
	)

	registry.MustRegister(processTotal, processDuration, processInFlight, queueLag, ocrSourceTotal)

	return &WorkerMetrics{
		registry:        registry,
		processTotal:    processTotal,
		processDuration: processDuration,
		processInFlight: processInFlight,
		queueLag:        queueLag,
		ocrSourceTotal:  ocrSourceTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.processInFlight.Inc()
}

// FinishJob records one attempt. A nil job means nothing was claimed and
// only the in-flight gauge is released.
func (m *WorkerMetrics) FinishJob(service string, job *domain.Job, duration time.Duration) {
	m.processInFlight.Dec()
	if job == nil {
		return
	}

	status := string(job.Status)
	m.processTotal.WithLabelValues(service, status, string(job.ErrorClass)).Inc()
	m.processDuration.WithLabelValues(service, status).Observe(duration.Seconds())
	if job.Status == domain.JobCompleted && job.OCRSource != "" {
		m.ocrSourceTotal.WithLabelValues(service, job.OCRSource).Inc()
	}
	if job.RetryCount == 0 && job.ProcessingStartedAt != nil {
		m.ObserveQueueLag(service, job.ProcessingStartedAt.Sub(job.CreatedAt))
	}
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}
