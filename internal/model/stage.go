// Package model defines domain entities for the click router.
package model

import "fmt"

// Stage identifies one step of the click pipeline.
// The order of the constants is the fixed evaluation order.
type Stage int

const (
	StageClick Stage = iota
	StageOffer
	StageLanding
	StageGeo
	StageCap
	StageFraud
	StageRedirect
)

// StageCount is the number of stages every finished click records.
const StageCount = int(StageRedirect) + 1

var stageNames = [StageCount]string{
	"click",
	"offer",
	"landing",
	"geo",
	"cap",
	"fraud",
	"redirect",
}

// Stages returns all stages in evaluation order.
func Stages() []Stage {
	stages := make([]Stage, StageCount)
	for i := range stages {
		stages[i] = Stage(i)
	}
	return stages
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	return s >= StageClick && s <= StageRedirect
}

// String returns the stage name used in audit records.
func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage converts a stage name back to a Stage.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Outcome is the verdict recorded for one stage of one click.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// ClickStatus is the lifecycle state of a click.
type ClickStatus string

const (
	StatusPending   ClickStatus = "pending"
	StatusProcessed ClickStatus = "processed"
	StatusRejected  ClickStatus = "rejected"
)

// IsTerminal returns true for processed and rejected.
func (s ClickStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusRejected
}

// RejectReason is the closed set of reasons a click can be rejected for.
type RejectReason string

const (
	ReasonOfferInactive RejectReason = "offer_inactive"
	ReasonNoLanding     RejectReason = "no_landing"
	ReasonGeoMismatch   RejectReason = "geo_mismatch"
	ReasonCapReached    RejectReason = "cap_reached"
	ReasonFraudBlock    RejectReason = "fraud_block"
	ReasonInternalError RejectReason = "internal_error"
)

// RejectReasons lists every reason, for exhaustive handling by consumers.
func RejectReasons() []RejectReason {
	return []RejectReason{
		ReasonOfferInactive,
		ReasonNoLanding,
		ReasonGeoMismatch,
		ReasonCapReached,
		ReasonFraudBlock,
		ReasonInternalError,
	}
}

// Valid reports whether r is a known reason.
func (r RejectReason) Valid() bool {
	switch r {
	case ReasonOfferInactive, ReasonNoLanding, ReasonGeoMismatch,
		ReasonCapReached, ReasonFraudBlock, ReasonInternalError:
		return true
	}
	return false
}

// IsBusiness returns true for expected outcomes that are recorded but not logged as errors.
func (r RejectReason) IsBusiness() bool {
	return r.Valid() && r != ReasonInternalError
}
