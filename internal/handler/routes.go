package handler

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/clickroute/clickroute/internal/middleware"
)

// RouterConfig carries the handlers and middleware settings of the HTTP surface.
type RouterConfig struct {
	Logger        *slog.Logger
	IsDevelopment bool
	Service       *Handler
	Health        *HealthHandler
	Clicks        *ClickHandler
	ClicksAPI     *ClicksHandler
	Metrics       *MetricsHandler
	RateLimit     middleware.RateLimitConfig
}

// NewRouter configures the chi router with all routes and middleware.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: cfg.IsDevelopment}))

	r.Get("/healthz", cfg.Health.Healthz)
	r.Get("/readyz", cfg.Health.Readyz)
	r.Get("/", cfg.Service.Info)
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.Metrics)
	}

	if cfg.RateLimit.Logger == nil {
		cfg.RateLimit.Logger = cfg.Logger
	}
	r.With(middleware.RateLimitIP(cfg.RateLimit)).Get("/click/{offerRef}", cfg.Clicks.Click)

	if cfg.ClicksAPI != nil {
		r.Route("/internal/v1/clicks", func(r chi.Router) {
			r.Get("/{clickID}", cfg.ClicksAPI.Get)
			r.Get("/{clickID}/timeline", cfg.ClicksAPI.Timeline)
		})
	}

	r.NotFound(cfg.Service.NotFound)
	r.MethodNotAllowed(cfg.Service.MethodNotAllowed)

	return r
}
