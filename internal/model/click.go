package model

import (
	"errors"
	"fmt"
	"time"
)

// Record state errors.
var (
	ErrClickTerminal = errors.New("click already decided")
	ErrStageOrder    = errors.New("stage recorded out of order")
	ErrInvalidReason = errors.New("invalid reject reason")
)

// ClickSource holds the request attributes captured at ingest.
type ClickSource struct {
	RawOfferRef    string            `json:"raw_offer_ref"`
	PublisherID    string            `json:"publisher_id"`
	ClientIP       string            `json:"client_ip"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Referrer       string            `json:"referrer,omitempty"`
	AcceptLanguage string            `json:"accept_language,omitempty"`
	VisitorID      string            `json:"visitor_id,omitempty"`
	GeoHint        string            `json:"geo_hint,omitempty"` // edge-provided country, not authoritative
	TrackingParams map[string]string `json:"tracking_params,omitempty"`
}

// StageOutcome is one entry of a click's audit trail.
type StageOutcome struct {
	Stage   Stage     `json:"stage"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// ClickRecord is the audit record of one inbound click.
// Mutations go through Pass, Fail and Complete so the stage order and
// terminal status invariants hold.
type ClickRecord struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	ClickSource

	ResolvedOfferID   string `json:"resolved_offer_id,omitempty"`
	ResolvedLandingID string `json:"resolved_landing_id,omitempty"`
	Geo               string `json:"geo,omitempty"`

	CheckStage    Stage          `json:"check_stage"`
	Status        ClickStatus    `json:"status"`
	RejectReason  RejectReason   `json:"reject_reason,omitempty"`
	StageOutcomes []StageOutcome `json:"stage_outcomes"`

	RedirectURL string     `json:"redirect_url,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// NewClickRecord opens a pending record with the ingest stage passed.
func NewClickRecord(id string, receivedAt time.Time, src ClickSource) *ClickRecord {
	return &ClickRecord{
		ID:          id,
		ReceivedAt:  receivedAt,
		ClickSource: src,
		CheckStage:  StageClick,
		Status:      StatusPending,
		StageOutcomes: []StageOutcome{
			{Stage: StageClick, Outcome: OutcomePassed, At: receivedAt},
		},
	}
}

// NextStage returns the stage that has to be recorded next.
// ok is false once every stage has an outcome.
func (c *ClickRecord) NextStage() (Stage, bool) {
	n := len(c.StageOutcomes)
	if n >= StageCount {
		return 0, false
	}
	return Stage(n), true
}

// IsTerminal reports whether the click has been decided.
func (c *ClickRecord) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Outcome returns the recorded outcome for stage, if any.
func (c *ClickRecord) Outcome(stage Stage) (StageOutcome, bool) {
	if int(stage) < 0 || int(stage) >= len(c.StageOutcomes) {
		return StageOutcome{}, false
	}
	return c.StageOutcomes[stage], true
}

// Pass records a passed outcome for one of the checking stages.
// The redirect stage is recorded with Complete.
func (c *ClickRecord) Pass(stage Stage, detail string, at time.Time) error {
	if stage == StageRedirect {
		return fmt.Errorf("%w: redirect is recorded by Complete", ErrStageOrder)
	}
	if err := c.expect(stage); err != nil {
		return err
	}
	c.StageOutcomes = append(c.StageOutcomes, StageOutcome{Stage: stage, Outcome: OutcomePassed, Detail: detail, At: at})
	c.CheckStage = stage
	return nil
}

// Fail records a failed outcome at stage, marks every later stage skipped
// and moves the click to rejected.
func (c *ClickRecord) Fail(stage Stage, reason RejectReason, detail string, at time.Time) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if err := c.expect(stage); err != nil {
		return err
	}
	c.StageOutcomes = append(c.StageOutcomes, StageOutcome{Stage: stage, Outcome: OutcomeFailed, Detail: detail, At: at})
	for s := stage + 1; s.Valid(); s++ {
		c.StageOutcomes = append(c.StageOutcomes, StageOutcome{Stage: s, Outcome: OutcomeSkipped})
	}
	c.CheckStage = stage
	c.Status = StatusRejected
	c.RejectReason = reason
	decided := at
	c.DecidedAt = &decided
	return nil
}

// Complete records the redirect stage and moves the click to processed.
func (c *ClickRecord) Complete(redirectURL string, at time.Time) error {
	if err := c.expect(StageRedirect); err != nil {
		return err
	}
	c.StageOutcomes = append(c.StageOutcomes, StageOutcome{Stage: StageRedirect, Outcome: OutcomePassed, At: at})
	c.CheckStage = StageRedirect
	c.Status = StatusProcessed
	c.RedirectURL = redirectURL
	decided := at
	c.DecidedAt = &decided
	return nil
}

func (c *ClickRecord) expect(stage Stage) error {
	if c.IsTerminal() {
		return ErrClickTerminal
	}
	next, ok := c.NextStage()
	if !ok || next != stage {
		return fmt.Errorf("%w: got %s, want %s", ErrStageOrder, stage, next)
	}
	return nil
}

// Validate checks the structural invariants of the audit record.
func (c *ClickRecord) Validate() error {
	if c.ID == "" {
		return errors.New("click id is empty")
	}
	if len(c.StageOutcomes) == 0 || c.StageOutcomes[0].Stage != StageClick || c.StageOutcomes[0].Outcome != OutcomePassed {
		return errors.New("click stage must be recorded as passed first")
	}

	failedAt := -1
	for i, o := range c.StageOutcomes {
		if o.Stage != Stage(i) {
			return fmt.Errorf("outcome %d is for stage %s", i, o.Stage)
		}
		switch o.Outcome {
		case OutcomePassed:
			if failedAt >= 0 {
				return fmt.Errorf("stage %s passed after a failure", o.Stage)
			}
		case OutcomeFailed:
			if failedAt >= 0 {
				return fmt.Errorf("stage %s failed after a failure", o.Stage)
			}
			failedAt = i
		case OutcomeSkipped:
			if failedAt < 0 {
				return fmt.Errorf("stage %s skipped without a prior failure", o.Stage)
			}
		default:
			return fmt.Errorf("stage %s has unknown outcome %q", o.Stage, o.Outcome)
		}
	}

	passed := func(s Stage) bool {
		o, ok := c.Outcome(s)
		return ok && o.Outcome == OutcomePassed
	}
	if (c.ResolvedOfferID != "") != passed(StageOffer) {
		return errors.New("resolved offer must be set iff the offer stage passed")
	}
	if (c.ResolvedLandingID != "") != passed(StageLanding) {
		return errors.New("resolved landing must be set iff the landing stage passed")
	}

	switch c.Status {
	case StatusPending:
		if failedAt >= 0 || len(c.StageOutcomes) == StageCount {
			return errors.New("pending click has a terminal audit trail")
		}
		if c.RejectReason != "" {
			return errors.New("pending click has a reject reason")
		}
	case StatusProcessed:
		if len(c.StageOutcomes) != StageCount || failedAt >= 0 {
			return errors.New("processed click must pass every stage")
		}
		if c.RejectReason != "" {
			return errors.New("processed click has a reject reason")
		}
	case StatusRejected:
		if len(c.StageOutcomes) != StageCount || failedAt < 0 {
			return errors.New("rejected click must have one failed stage and the rest skipped")
		}
		if !c.RejectReason.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidReason, c.RejectReason)
		}
	default:
		return fmt.Errorf("unknown status %q", c.Status)
	}

	if int(c.CheckStage) != len(c.StageOutcomes)-1 && c.Status != StatusRejected {
		return errors.New("check stage does not match the last attempted stage")
	}
	if c.Status == StatusRejected && int(c.CheckStage) != failedAt {
		return errors.New("check stage of a rejected click must be the failed stage")
	}
	return nil
}

// Decision is the routing instruction produced for a decided click.
type Decision struct {
	ClickID      string       `json:"click_id"`
	Status       ClickStatus  `json:"status"`
	RedirectURL  string       `json:"redirect_url,omitempty"`
	RejectReason RejectReason `json:"reject_reason,omitempty"`
	// Replayed is true when the decision was read back instead of computed.
	Replayed bool `json:"-"`
}

// Decision returns the routing instruction of a terminal record.
func (c *ClickRecord) Decision() Decision {
	return Decision{
		ClickID:      c.ID,
		Status:       c.Status,
		RedirectURL:  c.RedirectURL,
		RejectReason: c.RejectReason,
	}
}

// Redirects reports whether the visitor should be sent to the landing.
func (d Decision) Redirects() bool {
	return d.Status == StatusProcessed && d.RedirectURL != ""
}
