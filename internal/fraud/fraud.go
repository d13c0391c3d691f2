// Package fraud screens clicks against an ordered set of heuristics.
package fraud

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Heuristic names reported as the fraud_block detail.
const (
	HeuristicIPReputation = "ip_reputation"
	HeuristicBotUA        = "bot_user_agent"
	HeuristicVelocity     = "velocity"
	HeuristicFingerprint  = "fingerprint_mismatch"
	rulePrefix            = "rule:"
)

// Signal is the click context a heuristic inspects.
type Signal struct {
	ClickID        string
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
	Referrer       string
	VisitorID      string
	PublisherID    string
	OfferID        string
	LandingID      string
	Geo            string
	Params         map[string]string
	At             time.Time
}

// VisitorKey identifies the visitor for velocity tracking: the explicit
// visitor id when present, otherwise a hash of address and user agent.
func (s *Signal) VisitorKey() string {
	if s.VisitorID != "" {
		return "vid:" + s.VisitorID
	}
	sum := blake2b.Sum256([]byte(s.ClientIP + "\x00" + s.UserAgent))
	return "anon:" + hex.EncodeToString(sum[:12])
}

// Fingerprint hashes the device attributes that stay stable for one browser.
func (s *Signal) Fingerprint() string {
	sum := blake2b.Sum256([]byte(s.UserAgent + "\x00" + s.AcceptLanguage))
	return hex.EncodeToString(sum[:16])
}

// Heuristic is one independent fraud check.
type Heuristic interface {
	Name() string
	// Triggered reports whether the click looks fraudulent.
	Triggered(ctx context.Context, sig *Signal) (bool, error)
}

// Verdict is the screening result. Heuristic is empty when nothing triggered.
type Verdict struct {
	Blocked   bool
	Heuristic string
}

// Screener runs heuristics in order and stops at the first one that triggers.
type Screener struct {
	heuristics []Heuristic
	timeout    time.Duration
	logger     *slog.Logger
}

// NewScreener creates a Screener. timeout bounds every individual heuristic.
func NewScreener(timeout time.Duration, logger *slog.Logger, heuristics ...Heuristic) *Screener {
	return &Screener{
		heuristics: heuristics,
		timeout:    timeout,
		logger:     logger.With("component", "fraud.screener"),
	}
}

// Screen evaluates the heuristics. A heuristic error (timeouts included)
// is returned as an error, never as a pass.
func (s *Screener) Screen(ctx context.Context, sig *Signal) (Verdict, error) {
	for _, h := range s.heuristics {
		triggered, err := s.run(ctx, h, sig)
		if err != nil {
			return Verdict{}, fmt.Errorf("heuristic %s: %w", h.Name(), err)
		}
		if triggered {
			s.logger.Debug("heuristic triggered", "click_id", sig.ClickID, "heuristic", h.Name())
			return Verdict{Blocked: true, Heuristic: h.Name()}, nil
		}
	}
	return Verdict{}, nil
}

func (s *Screener) run(ctx context.Context, h Heuristic, sig *Signal) (bool, error) {
	if s.timeout <= 0 {
		return h.Triggered(ctx, sig)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	triggered, err := h.Triggered(ctx, sig)
	if err == nil && ctx.Err() != nil {
		// Late answers past the deadline are not trusted.
		err = ctx.Err()
	}
	return triggered, err
}
