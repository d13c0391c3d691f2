// Package main is the entrypoint for the click router API server.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/clickroute/clickroute/internal/cache"
	"github.com/clickroute/clickroute/internal/caps"
	"github.com/clickroute/clickroute/internal/catalog"
	"github.com/clickroute/clickroute/internal/config"
	"github.com/clickroute/clickroute/internal/handler"
	"github.com/clickroute/clickroute/internal/metrics"
	"github.com/clickroute/clickroute/internal/middleware"
	"github.com/clickroute/clickroute/internal/notify"
	"github.com/clickroute/clickroute/internal/observability"
	"github.com/clickroute/clickroute/internal/pipeline"
	"github.com/clickroute/clickroute/internal/repository"
	"github.com/clickroute/clickroute/internal/server"
)

func main() {
	// Initialize context
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", sanitizeError(err, cfg.DatabaseURL, cfg.RedisURL))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	capLocation, err := cfg.CapLocation()
	if err != nil {
		return err
	}

	// Telemetry
	otelProvider, err := observability.New(ctx, observability.Config{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: handler.Version,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       !cfg.IsProduction(),
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		return err
	}
	otelRecorder, err := otelProvider.Recorder()
	if err != nil {
		return err
	}
	inMemory := metrics.NewInMemory()
	recorder := metrics.NewMulti(inMemory, otelRecorder)

	// Initialize database
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return err
	}
	defer repo.Close()
	logger.Info("connected to database")

	// Initialize cache
	cacheClient, err := cache.New(ctx, cfg.RedisURL, cfg.RedisPool())
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		return err
	}
	defer cacheClient.Close()
	logger.Info("connected to Redis")

	// Offer catalog
	offers, fileSource, err := buildOfferSource(cfg, repo)
	if err != nil {
		return err
	}
	cachedOffers := catalog.NewCachedSource(offers, cacheClient, cfg.OfferCacheTTL, logger, recorder)

	// Geo, caps, fraud
	locator, err := buildLocator(cfg, logger)
	if err != nil {
		return err
	}
	capStore, sweep := buildCapStore(cfg, repo, cacheClient)
	enforcer := caps.NewEnforcer(capStore, capLocation, cfg.CapTimeout, logger, recorder)
	screener, err := buildScreener(cfg, cacheClient, logger)
	if err != nil {
		return err
	}

	// Notifications
	var outboxDB *sql.DB
	if cfg.NotifySink == config.NotifySinkOutbox {
		outboxDB, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer outboxDB.Close()
	}
	sink := buildSink(cfg, cacheClient, outboxDB)
	var emitter notify.Emitter = notify.Discard{}
	var dispatcher *notify.Dispatcher
	if sink != nil {
		dispatcher = notify.NewDispatcher(sink, notify.DispatcherConfig{
			QueueSize: cfg.NotifyQueueSize,
			Workers:   cfg.NotifyWorkers,
		}, logger, recorder)
		if err := dispatcher.Start(); err != nil {
			return err
		}
		emitter = dispatcher
	}

	// Pipeline
	stages := pipeline.NewStages(pipeline.StageDeps{
		Offers:       cachedOffers,
		Locator:      locator,
		Enforcer:     enforcer,
		Screener:     screener,
		StoreTimeout: cfg.StoreTimeout,
		GeoTimeout:   cfg.GeoTimeout,
	})
	engine, err := pipeline.NewEngine(repo, stages, emitter, pipeline.Config{
		ClickIDParam: cfg.ClickIDParam,
		StoreTimeout: cfg.StoreTimeout,
	}, logger, recorder)
	if err != nil {
		return err
	}

	reaper := pipeline.NewReaper(repo, pipeline.ReaperConfig{
		Interval: cfg.ReaperInterval,
		StaleAge: cfg.ReaperStaleAge,
		Batch:    cfg.ReaperBatch,
	}, logger, recorder)

	// Initialize handlers
	health := handler.NewHealthHandler(repo, cacheClient)
	router := handler.NewRouter(handler.RouterConfig{
		Logger:        logger,
		IsDevelopment: cfg.IsDevelopment(),
		Service:       handler.New(cfg.OTelServiceName),
		Health:        health,
		Clicks:        handler.NewClickHandler(engine, cfg.ReferrerPolicy, logger),
		ClicksAPI:     handler.NewClicksHandler(repo, logger),
		Metrics:       handler.NewMetricsHandler(inMemory),
		RateLimit: middleware.RateLimitConfig{
			Logger:  logger,
			Limiter: cacheClient,
			Enabled: cfg.RateLimitClickEnabled,
			RPS:     cfg.RateLimitClickRPS,
			Burst:   cfg.RateLimitClickBurst,
		},
	})

	// Create server
	srv := server.New(
		router,
		cfg.AppPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	// Background workers; registered first so they stop last.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	srv.OnShutdown("telemetry", otelProvider.Shutdown)
	if dispatcher != nil {
		srv.OnShutdown("notify-dispatcher", dispatcher.Shutdown)
	}
	go func() {
		if err := reaper.Run(workerCtx); err != nil {
			logger.Error("pending reaper stopped", "error", err)
		}
	}()
	srv.OnShutdown("pending-reaper", reaper.Shutdown)

	if sweep != nil {
		sweeper := newSweeper(sweep, cfg.ReaperInterval, logger)
		go sweeper.Run(workerCtx)
		srv.OnShutdown("cap-sweeper", sweeper.Shutdown)
	}

	if fileSource != nil {
		go reloadOnHangup(workerCtx, fileSource, logger)
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"cap_store", cfg.CapStore,
		"offer_source", cfg.OfferSource,
		"geo_provider", cfg.GeoProvider,
		"notify_sink", cfg.NotifySink,
	)

	return srv.Run(ctx)
}

// reloadOnHangup re-reads the offer file on SIGHUP. Clicks already in flight
// keep the snapshot they resolved.
func reloadOnHangup(ctx context.Context, src *catalog.FileSource, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := src.Reload(); err != nil {
				logger.Error("offer_catalog_reload_failed", "error", err)
				continue
			}
			logger.Info("offer_catalog_reloaded", "offers", len(src.Offers()))
		}
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
