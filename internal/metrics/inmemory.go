package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Decisions               map[string]uint64 // "status/reason"
	StageObservations       map[string]uint64 // "stage/outcome"
	PipelineDurationCount   uint64
	PipelineDurationTotalNs int64
	CapAdmissions           map[string]uint64
	OfferCacheHits          uint64
	OfferCacheMisses        uint64
	NotifyEvents            map[string]uint64
	NotifyQueueDepth        int64
	ClicksReaped            uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	pipelineDurationCount   uint64
	pipelineDurationTotalNs int64
	offerCacheHits          uint64
	offerCacheMisses        uint64
	notifyQueueDepth        int64
	clicksReaped            uint64

	mu        sync.Mutex
	decisions map[string]uint64
	stages    map[string]uint64
	caps      map[string]uint64
	notify    map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		decisions: make(map[string]uint64),
		stages:    make(map[string]uint64),
		caps:      make(map[string]uint64),
		notify:    make(map[string]uint64),
	}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Decisions:               copyCounts(m.decisions),
		StageObservations:       copyCounts(m.stages),
		PipelineDurationCount:   atomic.LoadUint64(&m.pipelineDurationCount),
		PipelineDurationTotalNs: atomic.LoadInt64(&m.pipelineDurationTotalNs),
		CapAdmissions:           copyCounts(m.caps),
		OfferCacheHits:          atomic.LoadUint64(&m.offerCacheHits),
		OfferCacheMisses:        atomic.LoadUint64(&m.offerCacheMisses),
		NotifyEvents:            copyCounts(m.notify),
		NotifyQueueDepth:        atomic.LoadInt64(&m.notifyQueueDepth),
		ClicksReaped:            atomic.LoadUint64(&m.clicksReaped),
	}
}

// IncClickDecision counts a decision under "status/reason".
func (m *InMemoryRecorder) IncClickDecision(status, reason string) {
	m.inc(m.decisions, status+"/"+reason)
}

// ObserveStageDuration counts a stage observation under "stage/outcome".
func (m *InMemoryRecorder) ObserveStageDuration(stage, outcome string, duration time.Duration) {
	m.inc(m.stages, stage+"/"+outcome)
}

// ObservePipelineDuration records pipeline duration.
func (m *InMemoryRecorder) ObservePipelineDuration(duration time.Duration) {
	atomic.AddUint64(&m.pipelineDurationCount, 1)
	atomic.AddInt64(&m.pipelineDurationTotalNs, duration.Nanoseconds())
}

// IncCapAdmission counts a cap admission result.
func (m *InMemoryRecorder) IncCapAdmission(result string) {
	m.inc(m.caps, result)
}

// IncOfferCacheHit increments cache hit counter.
func (m *InMemoryRecorder) IncOfferCacheHit() {
	atomic.AddUint64(&m.offerCacheHits, 1)
}

// IncOfferCacheMiss increments cache miss counter.
func (m *InMemoryRecorder) IncOfferCacheMiss() {
	atomic.AddUint64(&m.offerCacheMisses, 1)
}

// IncNotifyEvent counts a notification result.
func (m *InMemoryRecorder) IncNotifyEvent(status string) {
	m.inc(m.notify, status)
}

// SetNotifyQueueDepth stores the current dispatcher queue depth.
func (m *InMemoryRecorder) SetNotifyQueueDepth(depth int64) {
	atomic.StoreInt64(&m.notifyQueueDepth, depth)
}

// IncClicksReaped adds to the reaped counter.
func (m *InMemoryRecorder) IncClicksReaped(n int) {
	atomic.AddUint64(&m.clicksReaped, uint64(n))
}

func (m *InMemoryRecorder) inc(counts map[string]uint64, key string) {
	m.mu.Lock()
	counts[key]++
	m.mu.Unlock()
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
