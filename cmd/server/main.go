package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/admission"
	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/backlog"
	"github.com/dgnsrekt/pulse/internal/broadcast"
	"github.com/dgnsrekt/pulse/internal/config"
	"github.com/dgnsrekt/pulse/internal/logging"
	"github.com/dgnsrekt/pulse/internal/metrics"
	"github.com/dgnsrekt/pulse/internal/notify"
	"github.com/dgnsrekt/pulse/internal/registry"
	"github.com/dgnsrekt/pulse/internal/server"
	"github.com/dgnsrekt/pulse/internal/session"
	"github.com/dgnsrekt/pulse/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load config
	cfg, err := config.Load(os.Getenv("PULSE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Setup logger
	logger, err := logging.New("server", os.Getenv("PULSE_VERBOSE") == "true", &cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("addr", cfg.Server.Addr),
		zap.String("admissionStore", cfg.Admission.Store),
		zap.String("backlogStore", cfg.Backlog.Store),
		zap.Duration("keepaliveInterval", cfg.Stream.KeepaliveInterval),
		zap.Duration("maxLifetime", cfg.Stream.MaxLifetime),
		zap.Bool("wsEnabled", cfg.Server.WSEnabled),
		zap.Bool("notifyEnabled", cfg.Notify.Enabled),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Redis is only dialed when a store needs it
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			return 1
		}
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	// Backlog
	limits := backlog.Limits{MaxEvents: cfg.Backlog.MaxEvents, MaxAge: cfg.Backlog.MaxAge}
	var store backlog.Store
	switch cfg.Backlog.Store {
	case config.StoreRedis:
		store, err = backlog.NewRedisStore(rdb, limits, cfg.Backlog.CompressThreshold, logger.Named("backlog"))
		if err != nil {
			logger.Error("failed to create backlog store", zap.Error(err))
			return 1
		}
	default:
		mem := backlog.NewMemoryStore(limits, logger.Named("backlog"))
		go mem.Run(ctx, cfg.Backlog.SweepInterval)
		store = mem
	}
	defer store.Close()

	// Admission
	var counters admission.Store
	switch cfg.Admission.Store {
	case config.StoreRedis:
		counters = admission.NewRedisStore(rdb, logger.Named("admission"))
	default:
		counters = admission.NewMemoryStore()
	}
	controller := admission.NewController(counters, admission.Options{
		Limit:         cfg.Admission.Limit,
		Window:        cfg.Admission.Window,
		GlobalRate:    cfg.Admission.GlobalRate,
		GlobalBurst:   cfg.Admission.GlobalBurst,
		SweepInterval: cfg.Admission.SweepInterval,
	}, logger.Named("admission"))
	go controller.Run(ctx)

	// Credentials
	jwt, err := auth.NewJWT(auth.Config{
		Secret:   []byte(cfg.Auth.Secret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TokenTTL: cfg.Auth.TokenTTL,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		logger.Error("failed to create authenticator", zap.Error(err))
		return 1
	}

	// Fan-out
	reg := registry.New(logger.Named("registry"))
	broadcaster := broadcast.New(reg, store, m, logger.Named("broadcast"))

	notifier := notify.New(&notify.Config{
		Enabled:     cfg.Notify.Enabled,
		Server:      cfg.Notify.Server,
		TopicPrefix: cfg.Notify.TopicPrefix,
		Priority:    cfg.Notify.Priority,
		Tags:        cfg.Notify.Tags,
		Token:       cfg.Notify.Token,
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
	}, m, logger.Named("notify"))
	go notifier.Run(ctx)
	broadcaster.SetOfflineHandler(notifier)

	// Streaming endpoints
	sessions := session.NewHandler(jwt, controller, reg, store, m, session.Options{
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		MaxLifetime:       cfg.Stream.MaxLifetime,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		QueueSize:         cfg.Stream.QueueSize,
	}, logger.Named("session"))

	streams := server.Streams{
		SSE:       sessions,
		Negotiate: ws.NewNegotiateHandler(jwt, jwt, cfg.Auth.NegotiateTTL, logger.Named("negotiate")).WithPublicURL(cfg.Server.PublicURL),
	}
	if cfg.Server.WSEnabled {
		streams.WebSocket = ws.NewHandler(sessions, cfg.Server.AllowedOrigins, logger.Named("ws"))
	}

	// Create router
	router, err := server.NewRouter(server.NewServer(broadcaster, reg, jwt, logger), streams, m, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// Setup HTTP server. No WriteTimeout: streams set per-write deadlines.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutting down server...")

	// Tell every client to reconnect elsewhere before the listener closes
	closed := reg.CloseAll(session.ReasonShutdown)
	logger.Info("closed streaming sessions", zap.Int("count", closed))

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	// Stop sweepers and notification workers
	cancel()

	logger.Info("server stopped")
	return 0
}
