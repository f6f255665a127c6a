package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	amqppub "github.com/capitalize-ai/chat-bridge/internal/amqp"
	"github.com/capitalize-ai/chat-bridge/internal/chat"
	"github.com/capitalize-ai/chat-bridge/internal/classify"
	"github.com/capitalize-ai/chat-bridge/internal/config"
	"github.com/capitalize-ai/chat-bridge/internal/handler"
	natsclient "github.com/capitalize-ai/chat-bridge/internal/nats"
	"github.com/capitalize-ai/chat-bridge/internal/ratelimit"
	"github.com/capitalize-ai/chat-bridge/internal/service"
	"github.com/capitalize-ai/chat-bridge/internal/state"
	"github.com/capitalize-ai/chat-bridge/internal/stream"
	"github.com/capitalize-ai/chat-bridge/internal/webhook"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
	"github.com/capitalize-ai/chat-bridge/pkg/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and its control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting chat bridge",
		zap.String("version", version),
		zap.String("chat_ws_url", cfg.ChatWSURL),
		zap.String("webhook_url", cfg.WebhookURL),
		zap.Bool("group_chats", cfg.EnableGroupChat),
	)

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-bridge", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	m := metrics.New()

	backend, err := state.OpenBackend(cfg.StateDSN)
	if err != nil {
		return err
	}
	store := state.Open(ctx, backend, m, log)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close state backend", zap.Error(err))
		}
	}()
	log.Info("state loaded", zap.Int("contacts", store.Len()))

	dial := chat.WebSocketDialer(chat.SessionConfig{
		URL:            cfg.ChatWSURL,
		CommandTimeout: cfg.WSTimeout,
		DebugEvents:    cfg.DebugEvents,
	}, log)

	if cfg.HealthCheckOnStart {
		runStartupChecks(ctx, cfg, dial, log)
	}

	managerCfg := chat.DefaultManagerConfig()
	managerCfg.DialTimeout = cfg.WSTimeout
	managerCfg.AcquireTimeout = cfg.WSTimeout
	managerCfg.ReconnectDelay = cfg.ReconnectDelay
	managerCfg.CooldownDelay = cfg.CooldownDelay
	managerCfg.FailureThreshold = cfg.FailureThreshold
	manager := chat.NewManager(managerCfg, dial, m, log)

	hub := stream.NewHub(cfg.WebhookSource)
	mirrors := []service.Mirror{hub}

	var replayer handler.Replayer
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Token:    cfg.NATSToken,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
		}, log)
		if err != nil {
			log.Warn("NATS mirror disabled", zap.Error(err))
		} else {
			defer natsClient.Close()
			streamManager := natsclient.NewStreamManager(natsClient, cfg.WebhookSource)
			if err := streamManager.EnsureStream(ctx); err != nil {
				log.Warn("NATS mirror disabled", zap.Error(err))
			} else {
				mirrors = append(mirrors, streamManager)
				replayer = streamManager
			}
		}
	}
	if cfg.AMQPURL != "" {
		publisher, err := amqppub.Connect(ctx, amqppub.Config{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Source:   cfg.WebhookSource,
		}, log)
		if err != nil {
			log.Warn("AMQP mirror disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			mirrors = append(mirrors, publisher)
		}
	}

	limiter := ratelimit.New(cfg.RateLimitPerMinute)
	forwarder := webhook.New(webhook.Config{
		URL:         cfg.WebhookURL,
		Secret:      cfg.WebhookSecret,
		Source:      cfg.WebhookSource,
		MaxAttempts: cfg.WebhookRetries,
		BackoffBase: cfg.WebhookBackoff,
		Timeout:     cfg.WebhookTimeout,
	}, m, log)

	bridge := service.NewBridge(service.BridgeConfig{
		PollInterval:    cfg.PollInterval,
		DrainTimeout:    cfg.DrainTimeout,
		CleanupInterval: cfg.StateCleanupInterval,
		MaxContacts:     cfg.StateMaxContacts,
	},
		service.NewPoller(manager, cfg.PollCommand, m, log),
		classify.New(classify.Options{GroupChats: cfg.EnableGroupChat}),
		store,
		limiter,
		forwarder,
		m,
		log,
		mirrors...,
	)
	gateway := service.NewGateway(manager, m, log)

	router, err := handler.NewRouter(handler.RouterConfig{
		JWTSecret:      cfg.ControlJWTSecret,
		SendRateLimit:  cfg.SendRateLimit,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, handler.Handlers{
		Health:        handler.NewHealthHandler(manager, store),
		Metrics:       handler.NewMetricsHandler(m, limiter, hub, cfg.EnableMetrics),
		Conversations: handler.NewConversationHandler(store),
		Send:          handler.NewSendHandler(gateway, log),
		Stream:        handler.NewStreamHandler(hub, replayer, log),
	}, m, log)
	if err != nil {
		return err
	}

	server := handler.NewServer(cfg.Addr(), router)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("control surface listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		bridge.Run(ctx)
	}()

	var fatal error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok {
			log.Error("server error", zap.Error(err))
			fatal = err
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	wg.Wait()

	final := m.Snapshot()
	log.Info("chat bridge stopped",
		zap.Float64("uptime_seconds", final.UptimeSeconds),
		zap.Int64("messages_received", final.MessagesReceived),
		zap.Int64("messages_forwarded", final.MessagesForwarded),
		zap.Int64("messages_sent", final.MessagesSent),
		zap.Int64("webhook_failures", final.WebhookFailures),
		zap.Int64("connection_errors", final.ConnectionErrors),
		zap.Int64("reconnections", final.Reconnections),
		zap.Int64("rate_limited", final.RateLimited),
		zap.Int("state_contacts", store.Len()),
	)
	return fatal
}

// runStartupChecks logs reachability problems without failing startup; the
// manager keeps retrying the backend either way.
func runStartupChecks(ctx context.Context, cfg *config.Config, dial chat.Dialer, log *logger.Logger) {
	if err := service.CheckBackend(ctx, dial, cfg.WSTimeout); err != nil {
		log.Warn("startup check failed", zap.String("target", "chat backend"), zap.Error(err))
	} else {
		log.Info("startup check passed", zap.String("target", "chat backend"))
	}
	if err := service.CheckWebhook(ctx, cfg.WebhookURL, cfg.WebhookTimeout); err != nil {
		log.Warn("startup check failed", zap.String("target", "webhook"), zap.Error(err))
	} else {
		log.Info("startup check passed", zap.String("target", "webhook"))
	}
}
