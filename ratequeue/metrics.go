/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Enqueue modes (values of the "mode" label).
const (
	EnqueueModeBlocking = "blocking"
	EnqueueModeAsync    = "async"
)

// Tick outcomes (values of the "outcome" label).
const (
	TickOutcomeDrained = "drained"
	TickOutcomeEmpty   = "empty"
)

// Anomaly kinds (values of the "kind" label).
const (
	AnomalyUnknownRequest = "unknown_request"
	AnomalyOrphanedReply  = "orphaned_reply"
	AnomalyMissingReply   = "missing_reply"
	AnomalyFault          = "fault"
)

// MetricsCollector receives the events of a single controller.
type MetricsCollector interface {
	// SetQueueLength sets the number of items waiting in the queue.
	SetQueueLength(n int)

	// SetRate sets the delay between ticks.
	SetRate(rate time.Duration)

	// IncEnqueued increments the number of accepted items.
	IncEnqueued(mode string)

	// IncTicks increments the number of ticks.
	IncTicks(outcome string)

	// IncAnomalies increments the number of reported anomalies.
	IncAnomalies(kind string)

	// AddDiscarded increments the number of items dropped at shutdown.
	AddDiscarded(n int)

	// ObserveProcessingDuration records how long the Processor took.
	ObserveProcessingDuration(d time.Duration)

	// ObserveWaitDuration records how long the item stayed in the queue.
	ObserveWaitDuration(d time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that must be curried (see MustCurryWith) before use.
	// Registry curries the "queue" label for every controller it starts.
	CurriedLabelNames []string

	// DurationBuckets are histogram buckets (in seconds) for processing and wait durations.
	DurationBuckets []float64
}

// PrometheusMetrics is a MetricsCollector exposing rate queue metrics to Prometheus.
type PrometheusMetrics struct {
	QueueLength        *prometheus.GaugeVec
	Rate               *prometheus.GaugeVec
	EnqueuedTotal      *prometheus.CounterVec
	TicksTotal         *prometheus.CounterVec
	AnomaliesTotal     *prometheus.CounterVec
	DiscardedTotal     *prometheus.CounterVec
	ProcessingDuration prometheus.ObserverVec
	WaitDuration       prometheus.ObserverVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates PrometheusMetrics with the given options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.DurationBuckets
	if buckets == nil {
		buckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
	}
	withLabels := func(names ...string) []string {
		return append(append([]string{}, opts.CurriedLabelNames...), names...)
	}

	return &PrometheusMetrics{
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_length",
			Help:        "Number of items waiting in the queue.",
			ConstLabels: opts.ConstLabels,
		}, withLabels()),
		Rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_rate_seconds",
			Help:        "Current delay between two ticks.",
			ConstLabels: opts.ConstLabels,
		}, withLabels()),
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_enqueued_total",
			Help:        "Number of accepted items.",
			ConstLabels: opts.ConstLabels,
		}, withLabels("mode")),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_ticks_total",
			Help:        "Number of ticks by outcome.",
			ConstLabels: opts.ConstLabels,
		}, withLabels("outcome")),
		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_anomalies_total",
			Help:        "Number of reported anomalies by kind.",
			ConstLabels: opts.ConstLabels,
		}, withLabels("kind")),
		DiscardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_discarded_total",
			Help:        "Number of items discarded at shutdown.",
			ConstLabels: opts.ConstLabels,
		}, withLabels()),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_processing_duration_seconds",
			Help:        "Time spent in the processor per item.",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, withLabels()),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "ratequeue_wait_duration_seconds",
			Help:        "Time an item spent in the queue before being drained.",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, withLabels()),
	}
}

// MustCurryWith curries all metrics with the given labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		QueueLength:        pm.QueueLength.MustCurryWith(labels),
		Rate:               pm.Rate.MustCurryWith(labels),
		EnqueuedTotal:      pm.EnqueuedTotal.MustCurryWith(labels),
		TicksTotal:         pm.TicksTotal.MustCurryWith(labels),
		AnomaliesTotal:     pm.AnomaliesTotal.MustCurryWith(labels),
		DiscardedTotal:     pm.DiscardedTotal.MustCurryWith(labels),
		ProcessingDuration: pm.ProcessingDuration.MustCurryWith(labels),
		WaitDuration:       pm.WaitDuration.MustCurryWith(labels),
	}
}

// DeletePartialMatch deletes the series of all metrics whose labels contain labels.
// It returns the number of deleted series.
func (pm *PrometheusMetrics) DeletePartialMatch(labels prometheus.Labels) int {
	n := pm.QueueLength.DeletePartialMatch(labels) +
		pm.Rate.DeletePartialMatch(labels) +
		pm.EnqueuedTotal.DeletePartialMatch(labels) +
		pm.TicksTotal.DeletePartialMatch(labels) +
		pm.AnomaliesTotal.DeletePartialMatch(labels) +
		pm.DiscardedTotal.DeletePartialMatch(labels)
	for _, ov := range []prometheus.ObserverVec{pm.ProcessingDuration, pm.WaitDuration} {
		if hv, ok := ov.(*prometheus.HistogramVec); ok {
			n += hv.DeletePartialMatch(labels)
		}
	}
	return n
}

// MustRegister registers all metrics in the default Prometheus registry and panics on error.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.collectors()...)
}

// Unregister removes all metrics from the default Prometheus registry.
func (pm *PrometheusMetrics) Unregister() {
	for _, c := range pm.collectors() {
		prometheus.Unregister(c)
	}
}

func (pm *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pm.QueueLength,
		pm.Rate,
		pm.EnqueuedTotal,
		pm.TicksTotal,
		pm.AnomaliesTotal,
		pm.DiscardedTotal,
		pm.ProcessingDuration,
		pm.WaitDuration,
	}
}

// SetQueueLength implements MetricsCollector.
func (pm *PrometheusMetrics) SetQueueLength(n int) {
	pm.QueueLength.With(nil).Set(float64(n))
}

// SetRate implements MetricsCollector.
func (pm *PrometheusMetrics) SetRate(rate time.Duration) {
	pm.Rate.With(nil).Set(rate.Seconds())
}

// IncEnqueued implements MetricsCollector.
func (pm *PrometheusMetrics) IncEnqueued(mode string) {
	pm.EnqueuedTotal.With(prometheus.Labels{"mode": mode}).Inc()
}

// IncTicks implements MetricsCollector.
func (pm *PrometheusMetrics) IncTicks(outcome string) {
	pm.TicksTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// IncAnomalies implements MetricsCollector.
func (pm *PrometheusMetrics) IncAnomalies(kind string) {
	pm.AnomaliesTotal.With(prometheus.Labels{"kind": kind}).Inc()
}

// AddDiscarded implements MetricsCollector.
func (pm *PrometheusMetrics) AddDiscarded(n int) {
	pm.DiscardedTotal.With(nil).Add(float64(n))
}

// ObserveProcessingDuration implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveProcessingDuration(d time.Duration) {
	pm.ProcessingDuration.With(nil).Observe(d.Seconds())
}

// ObserveWaitDuration implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveWaitDuration(d time.Duration) {
	pm.WaitDuration.With(nil).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetQueueLength(int)                      {}
func (disabledMetrics) SetRate(time.Duration)                   {}
func (disabledMetrics) IncEnqueued(string)                      {}
func (disabledMetrics) IncTicks(string)                         {}
func (disabledMetrics) IncAnomalies(string)                     {}
func (disabledMetrics) AddDiscarded(int)                        {}
func (disabledMetrics) ObserveProcessingDuration(time.Duration) {}
func (disabledMetrics) ObserveWaitDuration(time.Duration)       {}
