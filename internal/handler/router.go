package handler

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/capitalize-ai/chat-bridge/internal/middleware"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// RouterConfig carries the HTTP surface settings.
type RouterConfig struct {
	// JWTSecret protects POST /send when set.
	JWTSecret      string
	SendRateLimit  int
	AllowedOrigins []string
}

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Health        *HealthHandler
	Metrics       *MetricsHandler
	Conversations *ConversationHandler
	Send          *SendHandler
	Stream        *StreamHandler
}

// NewServer wraps handler in an http.Server whose request contexts are
// cancelled when Shutdown starts, so long-lived streams end promptly.
func NewServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

// NewRouter builds the control surface.
func NewRouter(cfg RouterConfig, h Handlers, m *metrics.Metrics, log *logger.Logger) (http.Handler, error) {
	sendSchema, err := middleware.CompileSchema("send.json", middleware.SendRequestSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log.Named("http"), m))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Probes and read-only views.
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Get("/metrics", h.Metrics.JSON)
	r.Get("/metrics/prometheus", h.Metrics.Prometheus)
	r.Get("/state", h.Conversations.State)
	r.Get("/conversations", h.Conversations.List)
	r.Get("/conversations/{key}", h.Conversations.Get)
	r.Get("/events", h.Stream.Stream)

	r.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RequireScope(middleware.ScopeSend))
		}
		if cfg.SendRateLimit > 0 {
			r.Use(middleware.RateLimit(cfg.SendRateLimit, time.Minute))
		}
		r.Use(middleware.ValidateJSON(sendSchema))
		r.Post("/send", h.Send.Send)
	})

	return r, nil
}
