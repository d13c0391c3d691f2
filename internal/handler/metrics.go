package handler

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/clickroute/clickroute/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
// GET /metrics
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeLabeled(w, "clickroute_clicks_decided_total", snap.Decisions, "status", "reason")
	writeLabeled(w, "clickroute_stage_evaluations_total", snap.StageObservations, "stage", "outcome")
	writeMetric(w, "clickroute_pipeline_duration_seconds_count %d\n", snap.PipelineDurationCount)
	writeMetric(w, "clickroute_pipeline_duration_seconds_sum %.6f\n", float64(snap.PipelineDurationTotalNs)/1e9)

	writeLabeled(w, "clickroute_cap_admissions_total", snap.CapAdmissions, "result")

	writeMetric(w, "clickroute_offer_cache_hits_total %d\n", snap.OfferCacheHits)
	writeMetric(w, "clickroute_offer_cache_misses_total %d\n", snap.OfferCacheMisses)

	writeLabeled(w, "clickroute_notify_events_total", snap.NotifyEvents, "status")
	writeMetric(w, "clickroute_notify_queue_depth %d\n", snap.NotifyQueueDepth)

	writeMetric(w, "clickroute_clicks_reaped_total %d\n", snap.ClicksReaped)
}

// writeLabeled writes one series per key. Keys hold label values joined by "/".
func writeLabeled(w http.ResponseWriter, name string, counts map[string]uint64, labels ...string) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		values := strings.SplitN(k, "/", len(labels))
		pairs := make([]string, 0, len(labels))
		for i, l := range labels {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			pairs = append(pairs, fmt.Sprintf("%s=%q", l, v))
		}
		writeMetric(w, "%s{%s} %d\n", name, strings.Join(pairs, ","), counts[k])
	}
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
