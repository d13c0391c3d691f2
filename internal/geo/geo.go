// Package geo derives a visitor's country from the client IP.
package geo

import (
	"context"
	"errors"

	"github.com/clickroute/clickroute/internal/model"
)

// Lookup errors.
var (
	ErrLookupFailed = errors.New("geo lookup failed")
	ErrCircuitOpen  = errors.New("geo lookup circuit open")
)

// Locator resolves an IP to an upper-case ISO 3166-1 alpha-2 code.
// hint is the edge-provided country header, possibly empty.
// Unknown locations are reported as model.UnknownGeo, not as errors.
type Locator interface {
	Locate(ctx context.Context, ip, hint string) (string, error)
}

// HeaderLocator trusts the edge country header.
type HeaderLocator struct{}

// Locate implements Locator.
func (HeaderLocator) Locate(_ context.Context, _, hint string) (string, error) {
	return model.NormalizeGeo(hint), nil
}
