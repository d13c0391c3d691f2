package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/model"
)

const (
	// DefaultReapInterval is how often stale pending clicks are scanned.
	DefaultReapInterval = time.Minute

	// DefaultStaleAge is how long a click may stay pending before it is reaped.
	DefaultStaleAge = 5 * time.Minute

	// DefaultReapBatch is the max clicks finalized per scan.
	DefaultReapBatch = 100

	detailAbandoned = "abandoned"
)

// PendingStore lists and finalizes clicks that never got a decision.
type PendingStore interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*model.ClickRecord, error)
	FinalizeClick(ctx context.Context, c *model.ClickRecord) (stored *model.ClickRecord, committed bool, err error)
}

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	Interval time.Duration
	StaleAge time.Duration
	Batch    int
}

// Reaper finalizes clicks left pending by a crash mid pipeline as
// rejected/internal_error. Decided clicks are never touched.
type Reaper struct {
	store    PendingStore
	interval time.Duration
	staleAge time.Duration
	batch    int
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	mu       sync.Mutex
	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewReaper creates a Reaper.
func NewReaper(store PendingStore, cfg ReaperConfig, logger *slog.Logger, recorder metrics.Recorder) *Reaper {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = DefaultStaleAge
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultReapBatch
	}
	return &Reaper{
		store:    store,
		interval: cfg.Interval,
		staleAge: cfg.StaleAge,
		batch:    cfg.Batch,
		logger:   logger.With("component", "pipeline.reaper"),
		metrics:  recorder,
		now:      time.Now,
	}
}

// Run scans for stale clicks every interval. Blocks until ctx is cancelled
// or Shutdown is called.
func (r *Reaper) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("reaper already started")
	}
	r.started = true
	r.done = make(chan struct{})
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	defer close(r.done)

	r.logger.Info("pending reaper started", "interval", r.interval, "stale_age", r.staleAge)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		draining := r.draining
		r.mu.Unlock()
		if draining {
			return nil
		}

		select {
		case <-ctx.Done():
			r.logger.Info("pending reaper stopping")
			return nil
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reap failed", "error", err)
			}
		}
	}
}

// ReapOnce finalizes one batch of stale pending clicks and returns how many
// were committed by this call.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.store.ListStalePending(ctx, now.Add(-r.staleAge), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale clicks: %w", err)
	}

	reaped := 0
	for _, rec := range stale {
		if rec.IsTerminal() {
			continue
		}
		stage, ok := rec.NextStage()
		if !ok {
			continue
		}
		if err := rec.Fail(stage, model.ReasonInternalError, detailAbandoned, now); err != nil {
			r.logger.Warn("cannot abandon click", "click_id", rec.ID, "error", err)
			continue
		}
		_, committed, err := r.store.FinalizeClick(ctx, rec)
		if err != nil {
			return reaped, fmt.Errorf("finalize %s: %w", rec.ID, err)
		}
		if committed {
			reaped++
			r.metrics.IncClickDecision(string(rec.Status), string(rec.RejectReason))
			r.logger.Warn("click_abandoned",
				"click_id", rec.ID,
				"offer_ref", rec.RawOfferRef,
				"stage", stage.String(),
				"received_at", rec.ReceivedAt,
			)
		}
	}

	if reaped > 0 {
		r.metrics.IncClicksReaped(reaped)
	}
	return reaped, nil
}

// Shutdown stops the reaper, letting an in-flight scan finish.
// It implements server.ShutdownFunc for integration with graceful shutdown.
func (r *Reaper) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		r.logger.Info("pending reaper stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("pending reaper shutdown timed out")
		return ctx.Err()
	}
}
