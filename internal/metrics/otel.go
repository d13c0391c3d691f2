package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelRecorder exports pipeline metrics through an OpenTelemetry meter.
type OTelRecorder struct {
	decisions     metric.Int64Counter
	stageDuration metric.Float64Histogram
	pipeline      metric.Float64Histogram
	capAdmissions metric.Int64Counter
	offerCache    metric.Int64Counter
	notify        metric.Int64Counter
	reaped        metric.Int64Counter

	queueDepth int64
}

// NewOTel registers the click router instruments on meter.
func NewOTel(meter metric.Meter) (*OTelRecorder, error) {
	r := &OTelRecorder{}
	var err error

	if r.decisions, err = meter.Int64Counter("clickroute.clicks.decided",
		metric.WithDescription("Clicks decided, by status and reason"),
		metric.WithUnit("{click}"),
	); err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}

	if r.stageDuration, err = meter.Float64Histogram("clickroute.stage.duration",
		metric.WithDescription("Stage evaluation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	); err != nil {
		return nil, fmt.Errorf("stage histogram: %w", err)
	}

	if r.pipeline, err = meter.Float64Histogram("clickroute.pipeline.duration",
		metric.WithDescription("End-to-end click decision duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	); err != nil {
		return nil, fmt.Errorf("pipeline histogram: %w", err)
	}

	if r.capAdmissions, err = meter.Int64Counter("clickroute.caps.admissions",
		metric.WithDescription("Cap admission attempts by result"),
	); err != nil {
		return nil, fmt.Errorf("cap counter: %w", err)
	}

	if r.offerCache, err = meter.Int64Counter("clickroute.offers.cache",
		metric.WithDescription("Offer cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("offer cache counter: %w", err)
	}

	if r.notify, err = meter.Int64Counter("clickroute.notify.events",
		metric.WithDescription("Notification events by status"),
	); err != nil {
		return nil, fmt.Errorf("notify counter: %w", err)
	}

	if r.reaped, err = meter.Int64Counter("clickroute.clicks.reaped",
		metric.WithDescription("Pending clicks finalized by the reaper"),
	); err != nil {
		return nil, fmt.Errorf("reaper counter: %w", err)
	}

	if _, err = meter.Int64ObservableGauge("clickroute.notify.queue_depth",
		metric.WithDescription("Events waiting in the notification queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(atomic.LoadInt64(&r.queueDepth))
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("queue gauge: %w", err)
	}

	return r, nil
}

// Instruments are recorded without a request context; exporters only need attributes.
var bg = context.Background()

// IncClickDecision counts a decided click.
func (r *OTelRecorder) IncClickDecision(status, reason string) {
	r.decisions.Add(bg, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// ObserveStageDuration records one stage evaluation.
func (r *OTelRecorder) ObserveStageDuration(stage, outcome string, duration time.Duration) {
	r.stageDuration.Record(bg, duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// ObservePipelineDuration records a full pipeline run.
func (r *OTelRecorder) ObservePipelineDuration(duration time.Duration) {
	r.pipeline.Record(bg, duration.Seconds())
}

// IncCapAdmission counts a cap admission result.
func (r *OTelRecorder) IncCapAdmission(result string) {
	r.capAdmissions.Add(bg, 1, metric.WithAttributes(attribute.String("result", result)))
}

// IncOfferCacheHit counts an offer cache hit.
func (r *OTelRecorder) IncOfferCacheHit() {
	r.offerCache.Add(bg, 1, metric.WithAttributes(attribute.String("result", "hit")))
}

// IncOfferCacheMiss counts an offer cache miss.
func (r *OTelRecorder) IncOfferCacheMiss() {
	r.offerCache.Add(bg, 1, metric.WithAttributes(attribute.String("result", "miss")))
}

// IncNotifyEvent counts a notification result.
func (r *OTelRecorder) IncNotifyEvent(status string) {
	r.notify.Add(bg, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SetNotifyQueueDepth stores the depth reported by the observable gauge.
func (r *OTelRecorder) SetNotifyQueueDepth(depth int64) {
	atomic.StoreInt64(&r.queueDepth, depth)
}

// IncClicksReaped counts reaped clicks.
func (r *OTelRecorder) IncClicksReaped(n int) {
	r.reaped.Add(bg, int64(n))
}
