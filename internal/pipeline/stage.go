// Package pipeline runs inbound clicks through the ordered policy stages and
// records the decision.
package pipeline

import (
	"context"
	"time"

	"github.com/clickroute/clickroute/internal/model"
)

// Verdict is the result of evaluating one stage for one click.
// Business rejections carry a reason and never an error; Err is set only
// for internal_error verdicts and is logged, never shown to the visitor.
type Verdict struct {
	Passed bool
	Reason model.RejectReason
	Detail string
	Err    error
}

func pass(detail string) Verdict {
	return Verdict{Passed: true, Detail: detail}
}

func reject(reason model.RejectReason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

func internalError(err error, detail string) Verdict {
	return Verdict{Reason: model.ReasonInternalError, Detail: detail, Err: err}
}

// clickState is the data one click accumulates on its way through the stages.
type clickState struct {
	record  *model.ClickRecord
	offer   *model.OfferConfig
	landing *model.LandingConfig
}

// at is the instant cap windows and fraud signals are evaluated for.
func (s *clickState) at() time.Time {
	return s.record.ReceivedAt
}

// geoHint returns the best known country before the geo stage ran.
func (s *clickState) geoHint() string {
	if s.record.Geo != "" {
		return s.record.Geo
	}
	return model.NormalizeGeo(s.record.GeoHint)
}

// Evaluator is one checking stage. Evaluators are kept in a fixed ordered
// list; Stage tells the engine which audit slot the verdict fills.
type Evaluator interface {
	Stage() model.Stage
	Evaluate(ctx context.Context, st *clickState) Verdict
}

// checkingStages is the fixed evaluation order between ingest and redirect.
var checkingStages = []model.Stage{
	model.StageOffer,
	model.StageLanding,
	model.StageGeo,
	model.StageCap,
	model.StageFraud,
}
