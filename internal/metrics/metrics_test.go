package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInMemoryRecorder_Snapshot(t *testing.T) {
	t.Parallel()

	m := NewInMemory()
	m.IncClickDecision("processed", "")
	m.IncClickDecision("rejected", "cap_reached")
	m.IncClickDecision("rejected", "cap_reached")
	m.ObserveStageDuration("geo", "passed", time.Millisecond)
	m.ObservePipelineDuration(2 * time.Millisecond)
	m.IncCapAdmission("admitted")
	m.IncOfferCacheHit()
	m.IncOfferCacheMiss()
	m.IncNotifyEvent("dropped")
	m.SetNotifyQueueDepth(7)
	m.IncClicksReaped(3)

	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.Decisions["processed/"])
	assert.Equal(t, uint64(2), s.Decisions["rejected/cap_reached"])
	assert.Equal(t, uint64(1), s.StageObservations["geo/passed"])
	assert.Equal(t, uint64(1), s.PipelineDurationCount)
	assert.Equal(t, int64(2*time.Millisecond), s.PipelineDurationTotalNs)
	assert.Equal(t, uint64(1), s.CapAdmissions["admitted"])
	assert.Equal(t, uint64(1), s.OfferCacheHits)
	assert.Equal(t, uint64(1), s.OfferCacheMisses)
	assert.Equal(t, uint64(1), s.NotifyEvents["dropped"])
	assert.Equal(t, int64(7), s.NotifyQueueDepth)
	assert.Equal(t, uint64(3), s.ClicksReaped)

	// snapshot maps are copies
	s.Decisions["processed/"] = 99
	assert.Equal(t, uint64(1), m.Snapshot().Decisions["processed/"])
}

func TestOTelRecorder_ExportsInstruments(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r, err := NewOTel(provider.Meter("test"))
	require.NoError(t, err)

	r.IncClickDecision("rejected", "fraud_block")
	r.ObserveStageDuration("fraud", "failed", time.Millisecond)
	r.IncCapAdmission("rejected")
	r.SetNotifyQueueDepth(4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["clickroute.clicks.decided"])
	assert.True(t, names["clickroute.stage.duration"])
	assert.True(t, names["clickroute.caps.admissions"])
	assert.True(t, names["clickroute.notify.queue_depth"])
}

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()

	a, b := NewInMemory(), NewInMemory()
	m := NewMulti(a, nil, b, NewNoop())
	require.Len(t, m, 3)

	m.IncClickDecision("rejected", "fraud_block")
	m.IncOfferCacheHit()
	m.IncClicksReaped(2)
	m.SetNotifyQueueDepth(7)

	for _, r := range []*InMemoryRecorder{a, b} {
		snap := r.Snapshot()
		assert.Equal(t, uint64(1), snap.Decisions["rejected/fraud_block"])
		assert.Equal(t, uint64(1), snap.OfferCacheHits)
		assert.Equal(t, uint64(2), snap.ClicksReaped)
		assert.Equal(t, int64(7), snap.NotifyQueueDepth)
	}
}
