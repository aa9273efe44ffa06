package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements unlock.Metrics using Prometheus.
type Metrics struct {
	resolutionsTotal  *prometheus.CounterVec
	chargedCredits    *prometheus.HistogramVec
	resolveDuration   *prometheus.HistogramVec
	sweepTransitions  prometheus.Counter
	sweepDuration     prometheus.Histogram
	mirrorHitsTotal   prometheus.Counter
	mirrorMissesTotal prometheus.Counter
	storeOpsDuration  *prometheus.HistogramVec
	storeOpsErrors    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_resolutions_total",
			Help:      "Total number of access resolutions by outcome.",
		}, []string{"component", "outcome"}),

		chargedCredits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unlock_charged_credits",
			Help:      "Distribution of credits charged per unlock.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}, []string{"component"}),

		resolveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unlock_resolve_duration_seconds",
			Help:      "Latency of resolve calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"}),

		sweepTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_sweep_transitions_total",
			Help:      "Total entitlements transitioned to expired by the sweeper.",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unlock_sweep_duration_seconds",
			Help:      "Latency of sweeper runs.",
			Buckets:   prometheus.DefBuckets,
		}),

		mirrorHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_mirror_hits_total",
			Help:      "Total resolutions answered from the local mirror.",
		}),

		mirrorMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_mirror_misses_total",
			Help:      "Total mirror lookups that fell through to the store.",
		}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unlock_store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_store_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordResolution(component, outcome string, charged int) {
	m.resolutionsTotal.WithLabelValues(component, outcome).Inc()
	if charged > 0 {
		m.chargedCredits.WithLabelValues(component).Observe(float64(charged))
	}
}

func (m *Metrics) RecordResolveDuration(component string, duration time.Duration) {
	m.resolveDuration.WithLabelValues(component).Observe(duration.Seconds())
}

func (m *Metrics) RecordSweep(transitioned int, duration time.Duration) {
	m.sweepTransitions.Add(float64(transitioned))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordMirrorHit() {
	m.mirrorHitsTotal.Inc()
}

func (m *Metrics) RecordMirrorMiss() {
	m.mirrorMissesTotal.Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
