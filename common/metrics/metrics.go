package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Submit outcomes recorded on editsync_submits_total
const (
	OutcomeSuccess       = "success"
	OutcomeNoOp          = "noop"
	OutcomeInvalid       = "invalid"
	OutcomeConcurrent    = "concurrent"
	OutcomeRejected      = "rejected"
	OutcomeNetwork       = "network"
	OutcomeStaleDiscard  = "stale"
	OutcomeInternalError = "error"
)

// Metrics holds the prometheus collectors for the edit pipeline
type Metrics struct {
	Registry *prometheus.Registry

	submits         *prometheus.CounterVec
	submitDuration  prometheus.Histogram
	patchOperations prometheus.Histogram
	fieldEdits      *prometheus.CounterVec
	trackedSets     prometheus.Gauge
	notifications   *prometheus.CounterVec
	drift           prometheus.Counter
}

// New registers every collector on a fresh registry along with Go runtime metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editsync_submits_total",
			Help: "Patch submissions by outcome",
		}, []string{"resource_type", "outcome"}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "editsync_submit_duration_seconds",
			Help:    "Round trip time of patch submissions to the backend",
			Buckets: prometheus.DefBuckets,
		}),
		patchOperations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "editsync_patch_operations",
			Help:    "Number of operations per submitted patch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 200},
		}),
		fieldEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editsync_field_edits_total",
			Help: "Field edits recorded in the update store by change type",
		}, []string{"change_type"}),
		trackedSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "editsync_tracked_resources",
			Help: "Resources with a live update set",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editsync_notifications_total",
			Help: "Notifications published by type",
		}, []string{"type"}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editsync_server_drift_total",
			Help: "Paths the backend normalised differently from the submitted patch",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submits,
		m.submitDuration,
		m.patchOperations,
		m.fieldEdits,
		m.trackedSets,
		m.notifications,
		m.drift,
	)
	return m
}

// ObserveSubmit records one submit attempt. A nil receiver is a no-op.
func (m *Metrics) ObserveSubmit(resourceType, outcome string, ops int, started time.Time) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(resourceType, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeRejected || outcome == OutcomeNetwork {
		m.submitDuration.Observe(time.Since(started).Seconds())
		m.patchOperations.Observe(float64(ops))
	}
}

// FieldEdit counts a store mutation
func (m *Metrics) FieldEdit(changeType string) {
	if m == nil {
		return
	}
	if changeType == "" {
		changeType = "none"
	}
	m.fieldEdits.WithLabelValues(changeType).Inc()
}

// TrackedResources sets the live update set gauge
func (m *Metrics) TrackedResources(n int) {
	if m == nil {
		return
	}
	m.trackedSets.Set(float64(n))
}

// Notification counts a published notification
func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// Drift counts normalised paths reported after a submit
func (m *Metrics) Drift(n int) {
	if m == nil || n == 0 {
		return
	}
	m.drift.Add(float64(n))
}
