package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics exposes counters/histograms for the appointment queue.
type QueueMetrics struct {
	bookingsTotal        *prometheus.CounterVec
	statusChangesTotal   *prometheus.CounterVec
	propagatedTotal      prometheus.Counter
	summaryRefreshFailed *prometheus.CounterVec
	operationLatency     *prometheus.HistogramVec
}

func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "city",
			Subsystem: "queue",
			Name:      "bookings_total",
			Help:      "Total booking attempts by outcome",
		}, []string{"outcome"}),
		statusChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "city",
			Subsystem: "queue",
			Name:      "status_changes_total",
			Help:      "Appointment status transitions",
		}, []string{"from", "to"}),
		propagatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "city",
			Subsystem: "queue",
			Name:      "positions_propagated_total",
			Help:      "Waiting appointments moved up by completions",
		}),
		summaryRefreshFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "city",
			Subsystem: "queue",
			Name:      "summary_refresh_failures_total",
			Help:      "Display counter refreshes that failed after a committed write",
		}, []string{"target"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "city",
			Subsystem: "queue",
			Name:      "operation_latency_seconds",
			Help:      "Latency of queue operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.statusChangesTotal, m.propagatedTotal, m.summaryRefreshFailed, m.operationLatency)
	return m
}

func (m *QueueMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *QueueMetrics) ObserveStatusChange(from, to string) {
	if m == nil {
		return
	}
	m.statusChangesTotal.WithLabelValues(from, to).Inc()
}

func (m *QueueMetrics) ObservePropagated(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.propagatedTotal.Add(float64(n))
}

// ObserveSummaryRefreshFailure counts a stale display; target is "store" for
// the summary row or "cache" for the Redis mirror.
func (m *QueueMetrics) ObserveSummaryRefreshFailure(target string) {
	if m == nil {
		return
	}
	m.summaryRefreshFailed.WithLabelValues(target).Inc()
}

func (m *QueueMetrics) ObserveLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}
