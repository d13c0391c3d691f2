// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the click pipeline.
// Implementations can expose these to OpenTelemetry, Prometheus, etc.
type Recorder interface {
	// Pipeline metrics
	IncClickDecision(status, reason string)
	ObserveStageDuration(stage, outcome string, duration time.Duration)
	ObservePipelineDuration(duration time.Duration)

	// Cap enforcement. result: "admitted", "rejected", "replayed", "error"
	IncCapAdmission(result string)

	// Offer catalog cache
	IncOfferCacheHit()
	IncOfferCacheMiss()

	// Notification dispatch. status: "sent", "dropped", "failed"
	IncNotifyEvent(status string)
	SetNotifyQueueDepth(depth int64)

	// Pending reaper
	IncClicksReaped(n int)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
