package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking lifecycle and payment flows.
type BookingMetrics struct {
	transitionsTotal    *prometheus.CounterVec
	slotConflictsTotal  *prometheus.CounterVec
	reconcileTotal      *prometheus.CounterVec
	assetUploadsTotal   *prometheus.CounterVec
	assetUploadLatency  prometheus.Histogram
	refundEnqueueFailed prometheus.Counter
	webhookLatency      *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment status transitions applied",
		}, []string{"variant", "from", "to"}),
		slotConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "slot_conflicts_total",
			Help:      "Bookings rejected because the slot was already held",
		}, []string{"variant"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "reconcile_total",
			Help:      "Payment provider events reconciled",
		}, []string{"outcome", "result"}),
		assetUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "assets",
			Name:      "uploads_total",
			Help:      "Asset uploads by result",
		}, []string{"result"}),
		assetUploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "assets",
			Name:      "upload_latency_seconds",
			Help:      "Latency of object storage uploads",
			Buckets:   prometheus.DefBuckets,
		}),
		refundEnqueueFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "refund_enqueue_failures_total",
			Help:      "Refund intents that could not be written to the outbox",
		}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of payment webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.transitionsTotal,
		m.slotConflictsTotal,
		m.reconcileTotal,
		m.assetUploadsTotal,
		m.assetUploadLatency,
		m.refundEnqueueFailed,
		m.webhookLatency,
	)
	return m
}

func (m *BookingMetrics) ObserveTransition(variant, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(variant, from, to).Inc()
}

func (m *BookingMetrics) ObserveSlotConflict(variant string) {
	if m == nil {
		return
	}
	m.slotConflictsTotal.WithLabelValues(variant).Inc()
}

// ObserveReconcile records one reconciliation attempt; result is applied, duplicate, stale or an error kind.
func (m *BookingMetrics) ObserveReconcile(outcome, result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(outcome, result).Inc()
}

func (m *BookingMetrics) ObserveAssetUpload(result string, seconds float64) {
	if m == nil {
		return
	}
	m.assetUploadsTotal.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.assetUploadLatency.Observe(seconds)
	}
}

func (m *BookingMetrics) ObserveRefundEnqueueFailure() {
	if m == nil {
		return
	}
	m.refundEnqueueFailed.Inc()
}

func (m *BookingMetrics) ObserveWebhookLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}
