// Package metrics holds the Prometheus collectors for the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates all registered collectors.
type Metrics struct {
	Captures       *prometheus.CounterVec
	Enrollments    *prometheus.CounterVec
	Verifications  *prometheus.CounterVec
	CaptureSeconds prometheus.Histogram
}

// New registers collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		Captures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "biotime_captures_total",
			Help: "Fingerprint capture attempts by result.",
		}, []string{"result"}),
		Enrollments: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "biotime_enrollments_total",
			Help: "Enrollment sessions reaching a terminal state, by result.",
		}, []string{"result"}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "biotime_verifications_total",
			Help: "Verification attempts by action and result.",
		}, []string{"action", "result"}),
		CaptureSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "biotime_capture_duration_seconds",
			Help:    "Wall time of a single device capture.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
}

// ObserveCapture records one capture outcome and its duration.
func (m *Metrics) ObserveCapture(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Captures.WithLabelValues(result).Inc()
	m.CaptureSeconds.Observe(d.Seconds())
}

// ObserveEnrollment records a terminal enrollment outcome.
func (m *Metrics) ObserveEnrollment(result string) {
	if m == nil {
		return
	}
	m.Enrollments.WithLabelValues(result).Inc()
}

// ObserveVerification records a terminal verification outcome.
func (m *Metrics) ObserveVerification(action, result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(action, result).Inc()
}
