package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/clickroute/clickroute/internal/model"
)

const maxResponseBytes = 4 << 10

// HTTPConfig configures the external geolocation API client.
type HTTPConfig struct {
	// Endpoint receives the address as the "ip" query parameter.
	Endpoint string
	Timeout  time.Duration
	// RatePerSecond throttles outbound lookups. Zero disables the throttle.
	RatePerSecond    float64
	FailThreshold    int
	CircuitResetTime time.Duration
	Client           *http.Client
	Logger           *slog.Logger
}

// HTTPLocator queries an external JSON geolocation API.
type HTTPLocator struct {
	endpoint *url.URL
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *breaker
	logger   *slog.Logger
}

// NewHTTPLocator creates a locator for cfg.Endpoint.
func NewHTTPLocator(cfg HTTPConfig) (*HTTPLocator, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid geo endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	if cfg.CircuitResetTime <= 0 {
		cfg.CircuitResetTime = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &HTTPLocator{
		endpoint: endpoint,
		timeout:  cfg.Timeout,
		client:   cfg.Client,
		breaker:  newBreaker(cfg.FailThreshold, cfg.CircuitResetTime),
		logger:   cfg.Logger.With("component", "geo.http"),
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return l, nil
}

type lookupResponse struct {
	CountryCode string `json:"country_code"`
	Country     string `json:"country"`
}

// Locate implements Locator. Every failure, including a timeout, is
// reported as an error wrapping ErrLookupFailed or ErrCircuitOpen.
func (l *HTTPLocator) Locate(ctx context.Context, ip, _ string) (string, error) {
	if !l.breaker.allow() {
		return "", ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	code, err := l.lookup(ctx, ip)
	if err != nil {
		// A caller that went away says nothing about the API's health.
		if !errors.Is(err, context.Canceled) {
			l.breaker.recordFailure()
		}
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	l.breaker.recordSuccess()
	return code, nil
}

func (l *HTTPLocator) lookup(ctx context.Context, ip string) (string, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("throttled: %w", err)
		}
	}

	u := *l.endpoint
	q := u.Query()
	q.Set("ip", ip)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	code := body.CountryCode
	if code == "" {
		code = body.Country
	}
	return model.NormalizeGeo(code), nil
}
