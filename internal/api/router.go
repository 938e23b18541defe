package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/metrics"
	"github.com/lalithlochan/notekeeper/internal/redis"
)

type RouterConfig struct {
	Handler     *Handler
	Health      http.Handler
	JWTSecret   []byte
	RateLimiter *redis.RateLimiter // nil disables rate limiting
	Logger      *zap.Logger
}

// NewRouter mounts the reminder API under /v1 behind bearer auth and the
// per-owner rate limit, plus /health and /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret, cfg.Logger))
		r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Logger, OwnerKeyFunc))

		r.Post("/reminders", cfg.Handler.CreateReminder)
		r.Get("/reminders", cfg.Handler.ListReminders)
		r.Delete("/reminders/{id}", cfg.Handler.CancelReminder)
	})

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/health", cfg.Health)
	}
	r.Handle("/metrics", metrics.Handler())

	return r
}
