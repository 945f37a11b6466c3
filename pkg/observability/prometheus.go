// Package observability provides Prometheus metrics for the OpenNebula CSI driver.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all driver metrics.
	namespace = "one_csi"
)

// Metrics holds all Prometheus metrics for the OpenNebula CSI driver.
type Metrics struct {
	registry *prometheus.Registry

	// Volume operation metrics
	volumeOpsTotal    *prometheus.CounterVec
	volumeOpsDuration *prometheus.HistogramVec

	// OpenNebula API metrics
	apiCallsTotal    *prometheus.CounterVec
	apiCallDuration  *prometheus.HistogramVec
	settleRetryTotal *prometheus.CounterVec

	// Node-local metrics
	mountOpsTotal      *prometheus.CounterVec
	filesystemOpsTotal *prometheus.CounterVec

	// Kubernetes events metrics
	eventsPostedTotal *prometheus.CounterVec

	// Orphaned image metrics
	orphanImagesTotal *prometheus.CounterVec

	// Stage circuit breaker transitions
	breakerTransitionsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry so repeated construction in tests does not panic.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		volumeOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_operations_total",
				Help:      "Total number of volume operations by type and status",
			},
			[]string{"operation", "status"},
		),

		volumeOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "volume_operation_duration_seconds",
				Help:      "Duration of volume operations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"operation"},
		),

		apiCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_total",
				Help:      "Total number of OpenNebula API calls by method and result",
			},
			[]string{"method", "result"},
		),

		apiCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_call_duration_seconds",
				Help:      "Duration of OpenNebula API calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),

		settleRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settle_retries_total",
				Help:      "Total number of retried VM disk actions caused by a VM in the wrong state",
			},
			[]string{"action"},
		),

		mountOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_operations_total",
				Help:      "Total number of mount/unmount operations by type and status",
			},
			[]string{"operation", "status"},
		),

		filesystemOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filesystem_operations_total",
				Help:      "Total number of format/check/resize operations by filesystem and status",
			},
			[]string{"operation", "fs_type", "status"},
		),

		eventsPostedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_posted_total",
				Help:      "Total number of Kubernetes events posted by reason",
			},
			[]string{"reason"},
		),

		orphanImagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphan_images_total",
				Help:      "Total number of orphaned images found by the reconciler, by action taken",
			},
			[]string{"action"},
		),

		breakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_breaker_transitions_total",
				Help:      "Total number of stage circuit breaker state changes by target state",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.volumeOpsTotal,
		m.volumeOpsDuration,
		m.apiCallsTotal,
		m.apiCallDuration,
		m.settleRetryTotal,
		m.mountOpsTotal,
		m.filesystemOpsTotal,
		m.eventsPostedTotal,
		m.orphanImagesTotal,
		m.breakerTransitionsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordVolumeOp records a volume operation with timing.
// operation is the CSI method name, e.g. CreateVolume or NodeStageVolume.
func (m *Metrics) RecordVolumeOp(operation string, err error, duration time.Duration) {
	m.volumeOpsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	m.volumeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAPICall records a single OpenNebula XML-RPC call.
// result is the error reason reported by the client ("ok" on success).
func (m *Metrics) RecordAPICall(method, result string, duration time.Duration) {
	m.apiCallsTotal.WithLabelValues(method, result).Inc()
	m.apiCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordSettleRetry records one extra attempt of attach, detach or resize.
func (m *Metrics) RecordSettleRetry(action string) {
	m.settleRetryTotal.WithLabelValues(action).Inc()
}

// RecordMountOp records a mount or unmount operation.
// operation should be one of: mount, bind_mount, unmount.
func (m *Metrics) RecordMountOp(operation string, err error) {
	m.mountOpsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
}

// RecordFilesystemOp records a format, check or resize of a filesystem.
func (m *Metrics) RecordFilesystemOp(operation, fsType string, err error) {
	m.filesystemOpsTotal.WithLabelValues(operation, fsType, statusLabel(err)).Inc()
}

// RecordEventPosted records that a Kubernetes event was posted.
func (m *Metrics) RecordEventPosted(reason string) {
	m.eventsPostedTotal.WithLabelValues(reason).Inc()
}

// RecordOrphanImage records an orphaned image.
// action should be one of: detected, deleted, failed.
func (m *Metrics) RecordOrphanImage(action string) {
	m.orphanImagesTotal.WithLabelValues(action).Inc()
}

// RecordBreakerTransition records a stage circuit breaker entering state
// ("closed", "half-open", "open").
func (m *Metrics) RecordBreakerTransition(state string) {
	m.breakerTransitionsTotal.WithLabelValues(state).Inc()
}
