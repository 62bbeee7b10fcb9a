package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/conversation-bridge/internal/bot"
	"github.com/capitalize-ai/conversation-bridge/internal/middleware"
	"github.com/capitalize-ai/conversation-bridge/internal/service"
	"github.com/capitalize-ai/conversation-bridge/pkg/logger"
)

// RouterConfig carries what the HTTP surface needs.
type RouterConfig struct {
	Dispatcher  *bot.Dispatcher
	Events      service.EventReplayer
	NATS        Connectivity
	Logger      *logger.Logger
	CORSOrigins []string
	// JWTSecret enables bearer authentication on /api/v1 when set.
	JWTSecret       string
	RateLimit       int
	RateLimitWindow time.Duration
	Heartbeat       time.Duration
}

// NewRouter wires the services, handlers and middleware into one chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrNop(cfg.Logger)

	threadSvc := service.NewThreadService(cfg.Dispatcher, log)
	messageSvc := service.NewMessageService(cfg.Dispatcher, cfg.Events, log)

	health := NewHealthHandler(cfg.Dispatcher, cfg.NATS)
	threads := NewThreadHandler(threadSvc, log)
	stream := NewStreamHandler(messageSvc, cfg.Heartbeat, log)
	messages := NewMessageHandler(messageSvc, stream, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		if cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitWindow))
		}

		r.Get("/models", threads.Models)

		r.Route("/models/{model}", func(r chi.Router) {
			r.With(middleware.RequireScope(middleware.ScopeWrite)).Post("/messages", messages.Send)

			r.Route("/threads", func(r chi.Router) {
				r.With(middleware.RequireScope(middleware.ScopeRead)).Get("/", threads.List)
				r.With(middleware.RequireScope(middleware.ScopeWrite)).Post("/", threads.Create)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(middleware.RequireScope(middleware.ScopeRead))
					r.Get("/", threads.Get)
					r.Get("/messages", messages.List)
					r.Get("/events", stream.Events)
					r.With(middleware.RequireScope(middleware.ScopeWrite)).Delete("/", threads.Delete)
				})
			})
		})
	})

	return r
}
