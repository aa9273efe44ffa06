package unlock

import "time"

// Metrics defines the interface for tracking resolver and sweeper operations.
type Metrics interface {
	// RecordResolution records the outcome of a Resolve call.
	// outcome is "reuse", "charge", "insufficient_credits" or "error".
	RecordResolution(component, outcome string, charged int)

	// RecordResolveDuration records the latency of a Resolve call.
	RecordResolveDuration(component string, duration time.Duration)

	// RecordSweep records one sweeper run: rows transitioned and duration.
	RecordSweep(transitioned int, duration time.Duration)

	// RecordMirrorHit records a mirror answer that skipped the store.
	RecordMirrorHit()

	// RecordMirrorMiss records a mirror lookup that fell through to the store.
	RecordMirrorMiss()

	// RecordStoreOperation records the duration and status of a store call.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordResolution(component, outcome string, charged int)                  {}
func (n *NoopMetrics) RecordResolveDuration(component string, duration time.Duration)           {}
func (n *NoopMetrics) RecordSweep(transitioned int, duration time.Duration)                     {}
func (n *NoopMetrics) RecordMirrorHit()                                                         {}
func (n *NoopMetrics) RecordMirrorMiss()                                                        {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}
