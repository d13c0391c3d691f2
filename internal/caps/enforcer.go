package caps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/model"
)

// Decision is the cap stage verdict for one click.
type Decision struct {
	Admitted bool
	// Detail names the blocking limit, e.g. "publisher/day", or "uncapped".
	Detail string
	// Resolved is true when an ambiguous admit was settled by a re-check.
	Resolved bool
}

// Enforcer builds counters from offer cap limits and admits clicks through a Store.
type Enforcer struct {
	store   Store
	loc     *time.Location
	timeout time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewEnforcer creates an Enforcer. Windows are aligned in loc.
func NewEnforcer(store Store, loc *time.Location, timeout time.Duration, logger *slog.Logger, recorder metrics.Recorder) *Enforcer {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Enforcer{
		store:   store,
		loc:     loc,
		timeout: timeout,
		logger:  logger.With("component", "caps.enforcer"),
		metrics: recorder,
	}
}

// Counters returns the counters an admission for publisherID touches at now.
// Publisher-scoped limits are skipped for clicks without a publisher.
func (e *Enforcer) Counters(offer *model.OfferConfig, publisherID string, now time.Time) []Counter {
	counters := make([]Counter, 0, len(offer.Caps))
	for _, limit := range offer.Caps {
		w := WindowFor(limit.Period, now, e.loc)
		key := offerPrefix(offer.ID)
		name := string(limit.Scope) + "/" + string(limit.Period)
		switch limit.Scope {
		case model.CapScopeOffer:
			key += "offer:"
		case model.CapScopePublisher:
			if publisherID == "" {
				continue
			}
			key += "pub:" + publisherID + ":"
		}
		key += string(limit.Period) + ":" + w.Label(limit.Period)
		counters = append(counters, Counter{
			Key:      key,
			Limit:    limit.Count,
			ExpireAt: w.ExpireAt(),
			Name:     name,
		})
	}
	return counters
}

// Admit atomically checks and increments every cap of the offer for the click.
// A failed admit whose commit state is unknown is settled by Check; if that
// fails too the error is returned and the click must be treated as internal_error.
func (e *Enforcer) Admit(ctx context.Context, clickID string, offer *model.OfferConfig, publisherID string, now time.Time) (Decision, error) {
	counters := e.Counters(offer, publisherID, now)
	if len(counters) == 0 {
		return Decision{Admitted: true, Detail: "uncapped"}, nil
	}
	req := AdmitRequest{ClickID: clickID, OfferID: offer.ID, Counters: counters}

	admitCtx, cancel := e.withTimeout(ctx)
	res, err := e.store.Admit(admitCtx, req)
	cancel()
	if err == nil {
		e.record(res)
		return e.decision(res, counters), nil
	}

	e.logger.Warn("cap admit failed, re-checking",
		"click_id", clickID,
		"offer_id", offer.ID,
		"error", err,
	)

	// The admit may have committed before the error surfaced, so re-read on a
	// context that survives the caller's cancellation.
	checkCtx, cancel := e.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	res, found, checkErr := e.store.Check(checkCtx, req)
	if checkErr != nil {
		e.metrics.IncCapAdmission("error")
		return Decision{}, fmt.Errorf("cap admit: %w; re-check: %v", err, checkErr)
	}
	if !found {
		e.metrics.IncCapAdmission("error")
		return Decision{}, fmt.Errorf("cap admit not committed: %w", err)
	}

	e.record(res)
	d := e.decision(res, counters)
	d.Resolved = true
	return d, nil
}

// Usage returns the current count and limit of every counter for publisherID.
func (e *Enforcer) Usage(ctx context.Context, offer *model.OfferConfig, publisherID string, now time.Time) ([]Counter, []int64, error) {
	counters := e.Counters(offer, publisherID, now)
	keys := make([]string, len(counters))
	for i, c := range counters {
		keys[i] = c.Key
	}
	counts, err := e.store.Counts(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	return counters, counts, nil
}

func (e *Enforcer) decision(res Result, counters []Counter) Decision {
	if res.Admitted {
		return Decision{Admitted: true}
	}
	detail := res.Blocking
	for _, c := range counters {
		if c.Key == res.Blocking {
			detail = fmt.Sprintf("%s limit %d", c.Name, c.Limit)
			break
		}
	}
	return Decision{Detail: detail}
}

func (e *Enforcer) record(res Result) {
	switch {
	case res.Replayed:
		e.metrics.IncCapAdmission("replayed")
	case res.Admitted:
		e.metrics.IncCapAdmission("admitted")
	default:
		e.metrics.IncCapAdmission("rejected")
	}
}

func (e *Enforcer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
