package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clickroute/clickroute/internal/cache"
	"github.com/clickroute/clickroute/internal/caps"
	"github.com/clickroute/clickroute/internal/catalog"
	"github.com/clickroute/clickroute/internal/config"
	"github.com/clickroute/clickroute/internal/fraud"
	"github.com/clickroute/clickroute/internal/geo"
	"github.com/clickroute/clickroute/internal/notify"
	"github.com/clickroute/clickroute/internal/repository"
)

// sweepFunc deletes expired cap state and reports how much was removed.
type sweepFunc func(ctx context.Context, now time.Time) (int64, error)

// buildOfferSource returns the configured catalog. The file source is also
// returned so it can be reloaded.
func buildOfferSource(cfg *config.Config, repo *repository.Repository) (catalog.Source, *catalog.FileSource, error) {
	switch cfg.OfferSource {
	case config.OfferSourceFile:
		src, err := catalog.NewFileSource(cfg.OfferFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load offer file: %w", err)
		}
		return src, src, nil
	default:
		return catalog.NewRepositorySource(repo), nil, nil
	}
}

func buildLocator(cfg *config.Config, logger *slog.Logger) (geo.Locator, error) {
	switch cfg.GeoProvider {
	case config.GeoProviderHTTP:
		locator, err := geo.NewHTTPLocator(geo.HTTPConfig{
			Endpoint:      cfg.GeoEndpoint,
			Timeout:       cfg.GeoTimeout,
			RatePerSecond: cfg.GeoRateLimit,
			FailThreshold: 5,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return locator, nil
	case config.GeoProviderStatic:
		if cfg.GeoStaticFile == "" {
			return nil, errors.New("GEO_STATIC_FILE is required for the static geo provider")
		}
		locator, err := geo.LoadStaticFile(cfg.GeoStaticFile)
		if err != nil {
			return nil, fmt.Errorf("load geo table: %w", err)
		}
		return locator, nil
	default:
		return geo.HeaderLocator{}, nil
	}
}

// buildCapStore returns the counter store and, for stores without native
// expiry, a sweep function for the background janitor.
func buildCapStore(cfg *config.Config, repo *repository.Repository, c *cache.Cache) (caps.Store, sweepFunc) {
	switch cfg.CapStore {
	case config.CapStorePostgres:
		store := caps.NewPostgresStore(repo.Pool())
		return store, store.Sweep
	case config.CapStoreMemory:
		store := caps.NewMemoryStore(32)
		return store, func(_ context.Context, now time.Time) (int64, error) {
			return int64(store.Sweep(now)), nil
		}
	default:
		return caps.NewRedisStore(c.Client()), nil
	}
}

// buildScreener assembles the heuristics in their fixed evaluation order.
func buildScreener(cfg *config.Config, c *cache.Cache, logger *slog.Logger) (*fraud.Screener, error) {
	reputation, err := fraud.NewIPReputation(cfg.FraudBlockedCIDRs, fraud.NewRedisIPFlags(c.Client()))
	if err != nil {
		return nil, fmt.Errorf("fraud blocklist: %w", err)
	}

	heuristics := []fraud.Heuristic{
		reputation,
		fraud.BotUserAgent{},
		fraud.NewVelocity(fraud.NewRedisVelocityStore(c.Client()), cfg.FraudVelocityWindow, cfg.FraudVelocityMax),
		fraud.NewFingerprintMismatch(fraud.NewRedisFingerprintStore(c.Client()), cfg.FraudFingerprintTTL),
	}

	if cfg.FraudRulesFile != "" {
		rules, err := fraud.LoadRulesFile(cfg.FraudRulesFile)
		if err != nil {
			return nil, fmt.Errorf("fraud rules: %w", err)
		}
		heuristics = append(heuristics, rules.Heuristics()...)
	}

	return fraud.NewScreener(cfg.FraudSignalTimeout, logger, heuristics...), nil
}

// buildSink returns nil when notifications are disabled.
func buildSink(cfg *config.Config, c *cache.Cache, db *sql.DB) notify.Sink {
	switch cfg.NotifySink {
	case config.NotifySinkStream:
		return notify.NewStreamSink(c.Client())
	case config.NotifySinkKafka:
		return notify.NewKafkaSink(cfg.GetKafkaBrokers(), cfg.KafkaTopic)
	case config.NotifySinkOutbox:
		return notify.NewOutboxSink(db)
	default:
		return nil
	}
}

// sweeper periodically removes expired cap counters and admission markers.
type sweeper struct {
	sweep    sweepFunc
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSweeper(sweep sweepFunc, interval time.Duration, logger *slog.Logger) *sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &sweeper{
		sweep:    sweep,
		interval: interval,
		logger:   logger.With("component", "caps.sweeper"),
		done:     make(chan struct{}),
	}
}

func (s *sweeper) Run(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweep(ctx, time.Now())
			if err != nil {
				s.logger.Warn("cap_sweep_failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("cap_sweep_completed", "removed", n)
			}
		}
	}
}

func (s *sweeper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
