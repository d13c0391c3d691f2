package metrics

import "time"

// Multi fans every event out to several recorders.
type Multi []Recorder

// NewMulti drops nil recorders and returns the fan-out.
func NewMulti(recorders ...Recorder) Multi {
	m := make(Multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

func (m Multi) IncClickDecision(status, reason string) {
	for _, r := range m {
		r.IncClickDecision(status, reason)
	}
}

func (m Multi) ObserveStageDuration(stage, outcome string, duration time.Duration) {
	for _, r := range m {
		r.ObserveStageDuration(stage, outcome, duration)
	}
}

func (m Multi) ObservePipelineDuration(duration time.Duration) {
	for _, r := range m {
		r.ObservePipelineDuration(duration)
	}
}

func (m Multi) IncCapAdmission(result string) {
	for _, r := range m {
		r.IncCapAdmission(result)
	}
}

func (m Multi) IncOfferCacheHit() {
	for _, r := range m {
		r.IncOfferCacheHit()
	}
}

func (m Multi) IncOfferCacheMiss() {
	for _, r := range m {
		r.IncOfferCacheMiss()
	}
}

func (m Multi) IncNotifyEvent(status string) {
	for _, r := range m {
		r.IncNotifyEvent(status)
	}
}

func (m Multi) SetNotifyQueueDepth(depth int64) {
	for _, r := range m {
		r.SetNotifyQueueDepth(depth)
	}
}

func (m Multi) IncClicksReaped(n int) {
	for _, r := range m {
		r.IncClicksReaped(n)
	}
}
