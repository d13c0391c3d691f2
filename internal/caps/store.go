// Package caps enforces click quotas per offer, publisher and time window.
package caps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Store errors.
var (
	ErrEmptyRequest = errors.New("admit request has no counters")
	ErrMixedOffers  = errors.New("admit request spans several offers")
)

// Counter is one quota key checked during admission.
type Counter struct {
	Key      string
	Limit    int64
	ExpireAt time.Time // zero: never expires
	// Name describes the limit in audit details, e.g. "publisher/day".
	Name string
}

// AdmitRequest asks to admit one click against every counter of one offer.
type AdmitRequest struct {
	ClickID  string
	OfferID  string
	Counters []Counter
}

// Validate checks the request shape and sorts counters by key.
func (r *AdmitRequest) Validate() error {
	if r.ClickID == "" || r.OfferID == "" {
		return errors.New("admit request needs click and offer ids")
	}
	if len(r.Counters) == 0 {
		return ErrEmptyRequest
	}
	prefix := offerPrefix(r.OfferID)
	for _, c := range r.Counters {
		if !strings.HasPrefix(c.Key, prefix) {
			return fmt.Errorf("%w: %s", ErrMixedOffers, c.Key)
		}
		if c.Limit <= 0 {
			return fmt.Errorf("counter %s has non-positive limit", c.Key)
		}
	}
	sort.Slice(r.Counters, func(i, j int) bool { return r.Counters[i].Key < r.Counters[j].Key })
	return nil
}

// MarkerRetention bounds how long a click's admission marker is kept. It must
// exceed the time a pending click can still be re-run before the reaper
// finalizes it.
const MarkerRetention = 24 * time.Hour

// markerExpiry is the latest counter expiry, capped at now plus
// MarkerRetention. Counters that never expire do not extend it.
func (r *AdmitRequest) markerExpiry(now time.Time) time.Time {
	limit := now.Add(MarkerRetention)
	var latest time.Time
	for _, c := range r.Counters {
		if c.ExpireAt.IsZero() {
			return limit
		}
		if c.ExpireAt.After(latest) {
			latest = c.ExpireAt
		}
	}
	if latest.After(limit) {
		return limit
	}
	return latest
}

// Result is the outcome of an admission.
type Result struct {
	Admitted bool
	// Blocking is the first counter that was already at its limit.
	Blocking string
	// Replayed is true when the click had been decided by an earlier call.
	Replayed bool
}

// Store is an atomic, idempotent counter store.
// Admit increments every counter of the request or none of them, and never
// lets a counter pass its limit. Admitting the same click id again returns
// the first result without touching the counters.
type Store interface {
	Admit(ctx context.Context, req AdmitRequest) (Result, error)
	// Check reports the recorded result for a click without mutating anything.
	// found is false when no admission was committed for the click.
	Check(ctx context.Context, req AdmitRequest) (res Result, found bool, err error)
	// Counts returns current values for keys, zero for missing ones.
	Counts(ctx context.Context, keys []string) ([]int64, error)
}

// offerPrefix hash-tags keys so every counter of an offer lands on one Redis slot.
func offerPrefix(offerID string) string {
	return "cap:{" + offerID + "}:"
}

func markerKey(offerID, clickID string) string {
	return offerPrefix(offerID) + "click:" + clickID
}
