package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncClickDecision is a no-op.
func (n *NoopRecorder) IncClickDecision(status, reason string) {}

// ObserveStageDuration is a no-op.
func (n *NoopRecorder) ObserveStageDuration(stage, outcome string, duration time.Duration) {}

// ObservePipelineDuration is a no-op.
func (n *NoopRecorder) ObservePipelineDuration(duration time.Duration) {}

// IncCapAdmission is a no-op.
func (n *NoopRecorder) IncCapAdmission(result string) {}

// IncOfferCacheHit is a no-op.
func (n *NoopRecorder) IncOfferCacheHit() {}

// IncOfferCacheMiss is a no-op.
func (n *NoopRecorder) IncOfferCacheMiss() {}

// IncNotifyEvent is a no-op.
func (n *NoopRecorder) IncNotifyEvent(status string) {}

// SetNotifyQueueDepth is a no-op.
func (n *NoopRecorder) SetNotifyQueueDepth(depth int64) {}

// IncClicksReaped is a no-op.
func (n *NoopRecorder) IncClicksReaped(count int) {}
