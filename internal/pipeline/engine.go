package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/notify"
	"github.com/clickroute/clickroute/internal/repository"
)

// Engine errors.
var (
	ErrIngest       = errors.New("click ingest failed")
	ErrFinalize     = errors.New("click finalize failed")
	ErrClickUnknown = errors.New("click not found")
)

const (
	// DefaultStoreTimeout bounds each audit store call.
	DefaultStoreTimeout = 2 * time.Second

	tracerName = "github.com/clickroute/clickroute/internal/pipeline"

	detailCancelled = "cancelled"
)

// ClickStore persists click audit records.
type ClickStore interface {
	CreateClick(ctx context.Context, c *model.ClickRecord) error
	// FinalizeClick commits a terminal record once. When another writer
	// decided the click first it returns that record and committed=false.
	FinalizeClick(ctx context.Context, c *model.ClickRecord) (stored *model.ClickRecord, committed bool, err error)
	GetClick(ctx context.Context, id string) (*model.ClickRecord, error)
}

// Config configures an Engine.
type Config struct {
	ClickIDParam string
	StoreTimeout time.Duration
}

// Engine runs clicks through the stages and records the decision.
type Engine struct {
	store        ClickStore
	stages       []Evaluator
	router       *Router
	ids          *IDGenerator
	emitter      notify.Emitter
	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      metrics.Recorder
	tracer       trace.Tracer
	now          func() time.Time
}

// NewEngine creates an Engine. stages must be the checking stages in
// evaluation order, as returned by NewStages.
func NewEngine(store ClickStore, stages []Evaluator, emitter notify.Emitter, cfg Config, logger *slog.Logger, recorder metrics.Recorder) (*Engine, error) {
	if len(stages) != len(checkingStages) {
		return nil, fmt.Errorf("pipeline needs %d stages, got %d", len(checkingStages), len(stages))
	}
	for i, s := range stages {
		if s.Stage() != checkingStages[i] {
			return nil, fmt.Errorf("stage %d is %s, want %s", i, s.Stage(), checkingStages[i])
		}
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if emitter == nil {
		emitter = notify.Discard{}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	return &Engine{
		store:        store,
		stages:       stages,
		router:       NewRouter(cfg.ClickIDParam),
		ids:          NewIDGenerator(),
		emitter:      emitter,
		storeTimeout: cfg.StoreTimeout,
		logger:       logger.With("component", "pipeline.engine"),
		metrics:      recorder,
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}, nil
}

// Handle ingests a click and decides it.
func (e *Engine) Handle(ctx context.Context, src model.ClickSource) (model.Decision, error) {
	rec, err := e.Ingest(ctx, src)
	if err != nil {
		return model.Decision{}, err
	}
	return e.Run(ctx, rec)
}

// Ingest assigns a click id and persists the pending record.
func (e *Engine) Ingest(ctx context.Context, src model.ClickSource) (*model.ClickRecord, error) {
	receivedAt := e.now().UTC().Truncate(time.Microsecond)
	id, err := e.ids.New(receivedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIngest, err)
	}
	rec := model.NewClickRecord(id, receivedAt, src)

	ctx, cancel := withTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.CreateClick(ctx, rec); err != nil {
		e.logger.Error("click_ingest_failed",
			"click_id", id,
			"offer_ref", src.RawOfferRef,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrIngest, err)
	}
	return rec, nil
}

// Process re-invokes the pipeline for a stored click. A decided click
// returns its committed decision without re-running any stage.
func (e *Engine) Process(ctx context.Context, clickID string) (model.Decision, error) {
	getCtx, cancel := withTimeout(ctx, e.storeTimeout)
	rec, err := e.store.GetClick(getCtx, clickID)
	cancel()
	if errors.Is(err, repository.ErrClickNotFound) {
		return model.Decision{}, ErrClickUnknown
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("load click: %w", err)
	}
	if rec.IsTerminal() {
		d := rec.Decision()
		d.Replayed = true
		return d, nil
	}
	return e.Run(ctx, rec)
}

// Run drives a pending record through the stages, finalizes it and returns
// the routing decision. A cancelled ctx stops the run at the next stage
// boundary; the click is then recorded as internal_error.
func (e *Engine) Run(ctx context.Context, rec *model.ClickRecord) (model.Decision, error) {
	if rec.IsTerminal() {
		d := rec.Decision()
		d.Replayed = true
		return d, nil
	}
	if next, ok := rec.NextStage(); !ok || next != model.StageOffer {
		return model.Decision{}, fmt.Errorf("click %s cannot start at stage %s", rec.ID, next)
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "click.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("click.id", rec.ID),
			attribute.String("click.offer_ref", rec.RawOfferRef),
		),
	)
	defer span.End()

	st := &clickState{record: rec}
	var cause error
	for _, stage := range e.stages {
		v := e.evaluate(ctx, stage, st)
		if !v.Passed {
			cause = v.Err
			if err := rec.Fail(stage.Stage(), v.Reason, v.Detail, e.now()); err != nil {
				return model.Decision{}, fmt.Errorf("record %s: %w", stage.Stage(), err)
			}
			break
		}
		if err := rec.Pass(stage.Stage(), v.Detail, e.now()); err != nil {
			return model.Decision{}, fmt.Errorf("record %s: %w", stage.Stage(), err)
		}
	}

	if !rec.IsTerminal() {
		cause = e.route(ctx, st)
		if cause != nil && !rec.IsTerminal() {
			return model.Decision{}, cause
		}
	}

	span.SetAttributes(
		attribute.String("click.status", string(rec.Status)),
		attribute.String("click.reject_reason", string(rec.RejectReason)),
	)
	if rec.RejectReason == model.ReasonInternalError {
		span.SetStatus(codes.Error, "internal_error")
	}

	return e.finalize(ctx, rec, cause, start)
}

// evaluate runs one stage inside its own span. A stage reached after the
// client went away fails as cancelled without being evaluated.
func (e *Engine) evaluate(ctx context.Context, stage Evaluator, st *clickState) Verdict {
	name := stage.Stage().String()
	if err := ctx.Err(); err != nil {
		e.metrics.ObserveStageDuration(name, string(model.OutcomeFailed), 0)
		return internalError(err, detailCancelled)
	}

	ctx, span := e.tracer.Start(ctx, "click.stage."+name)
	defer span.End()

	start := time.Now()
	v := stage.Evaluate(ctx, st)
	outcome := model.OutcomePassed
	if !v.Passed {
		outcome = model.OutcomeFailed
		if v.Reason == model.ReasonInternalError && ctx.Err() != nil {
			v.Detail = detailCancelled
		}
	}
	e.metrics.ObserveStageDuration(name, string(outcome), time.Since(start))

	span.SetAttributes(attribute.String("stage.outcome", string(outcome)))
	if v.Err != nil {
		span.RecordError(v.Err)
		span.SetStatus(codes.Error, v.Detail)
	}
	return v
}

// route records the redirect stage. It returns the cause of an
// internal_error so it can be logged.
func (e *Engine) route(ctx context.Context, st *clickState) error {
	rec := st.record
	if err := ctx.Err(); err != nil {
		if ferr := rec.Fail(model.StageRedirect, model.ReasonInternalError, detailCancelled, e.now()); ferr != nil {
			return fmt.Errorf("record redirect: %w", ferr)
		}
		return err
	}

	dest, err := e.router.Destination(rec, st.landing)
	if err != nil {
		if ferr := rec.Fail(model.StageRedirect, model.ReasonInternalError, "bad destination", e.now()); ferr != nil {
			return fmt.Errorf("record redirect: %w", ferr)
		}
		return err
	}
	if err := rec.Complete(dest, e.now()); err != nil {
		return fmt.Errorf("record redirect: %w", err)
	}
	return nil
}

// finalize persists the decided record on a context detached from the
// client. If another invocation committed first its decision is returned.
func (e *Engine) finalize(ctx context.Context, rec *model.ClickRecord, cause error, start time.Time) (model.Decision, error) {
	ctx, cancel := withTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()

	stored, committed, err := e.store.FinalizeClick(ctx, rec)
	if err != nil {
		e.logger.Error("click_finalize_failed",
			"click_id", rec.ID,
			"status", rec.Status,
			"reject_reason", rec.RejectReason,
			"error", err,
		)
		return model.Decision{}, fmt.Errorf("%w: %v", ErrFinalize, err)
	}
	if !committed {
		d := stored.Decision()
		d.Replayed = true
		return d, nil
	}

	duration := time.Since(start)
	e.metrics.IncClickDecision(string(rec.Status), string(rec.RejectReason))
	e.metrics.ObservePipelineDuration(duration)
	e.logDecision(rec, cause, duration)

	if ev, ok := notify.EventFor(rec); ok {
		e.emitter.Emit(ev)
	}
	return rec.Decision(), nil
}

func (e *Engine) logDecision(rec *model.ClickRecord, cause error, duration time.Duration) {
	attrs := []any{
		"click_id", rec.ID,
		"offer_ref", rec.RawOfferRef,
		"publisher_id", rec.PublisherID,
		"stage", rec.CheckStage.String(),
		"duration_ms", float64(duration.Microseconds()) / 1000,
	}

	switch {
	case rec.Status == model.StatusProcessed:
		e.logger.Info("click_processed", append(attrs,
			"offer_id", rec.ResolvedOfferID,
			"landing_id", rec.ResolvedLandingID,
			"geo", rec.Geo,
		)...)
	case rec.RejectReason.IsBusiness():
		detail := ""
		if o, ok := rec.Outcome(rec.CheckStage); ok {
			detail = o.Detail
		}
		e.logger.Info("click_rejected", append(attrs,
			"reason", rec.RejectReason,
			"detail", detail,
		)...)
	default:
		e.logger.Error("click_internal_error", append(attrs,
			"reason", rec.RejectReason,
			"error", cause,
		)...)
	}
}
