package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

type SchedulerMetrics struct {
	ticksTotal    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	dispatchTotal *prometheus.CounterVec
	sweepTotal    *prometheus.CounterVec
}

// NewSchedulerMetrics registers on the given registry so the process that
// runs ticks exposes them next to its own metrics.
func NewSchedulerMetrics(registry prometheus.Registerer, service string) *SchedulerMetrics {
	labels := prometheus.Labels{"service": service}
	m := &SchedulerMetrics{
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "ticks_total",
			Help:        "Scheduler ticks by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "queue_depth",
			Help:        "Jobs seen by the last tick, by state.",
			ConstLabels: labels,
		}, []string{"state"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "dispatches_total",
			Help:        "Process requests published by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "sweep_items_total",
			Help:        "Items handled by the tick sweeps.",
			ConstLabels: labels,
		}, []string{"sweep", "outcome"}),
	}
	registry.MustRegister(m.ticksTotal, m.queueDepth, m.dispatchTotal, m.sweepTotal)
	return m
}

func (m *SchedulerMetrics) ObserveTick(report domain.TickReport, err error) {
	switch {
	case err != nil:
		m.ticksTotal.WithLabelValues("error").Inc()
		return
	case report.Skipped:
		m.ticksTotal.WithLabelValues("skipped").Inc()
		return
	case len(report.Errors) > 0:
		m.ticksTotal.WithLabelValues("partial").Inc()
	default:
		m.ticksTotal.WithLabelValues("ok").Inc()
	}

	m.queueDepth.WithLabelValues("pending").Set(float64(report.Queue.Pending))
	m.queueDepth.WithLabelValues("processing").Set(float64(report.Queue.Processing))
	m.dispatchTotal.WithLabelValues("launched").Add(float64(report.Launched))
	m.dispatchTotal.WithLabelValues("failed").Add(float64(report.LaunchFailures))
	m.sweepTotal.WithLabelValues("stale", "requeued").Add(float64(report.Requeued))
	m.sweepTotal.WithLabelValues("notify", "sent").Add(float64(report.Notified))
	m.sweepTotal.WithLabelValues("notify", "failed").Add(float64(report.NotifyFailures))
	m.sweepTotal.WithLabelValues("retention", "purged").Add(float64(report.Purged))
}
