package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aitherapy/chat-platform/internal/api/router"
	"github.com/aitherapy/chat-platform/internal/chat"
	appconfig "github.com/aitherapy/chat-platform/internal/config"
	"github.com/aitherapy/chat-platform/internal/continuity"
	"github.com/aitherapy/chat-platform/internal/entitlement"
	"github.com/aitherapy/chat-platform/internal/identity"
	"github.com/aitherapy/chat-platform/internal/observability/metrics"
	"github.com/aitherapy/chat-platform/internal/personas"
	"github.com/aitherapy/chat-platform/internal/relay"
	"github.com/aitherapy/chat-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting aitherapy chat platform",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	verifier := identity.NewVerifier(identity.Config{
		HMACSecret: cfg.SessionJWTSecret,
		JWKSURL:    cfg.SessionJWKSURL,
		Issuer:     cfg.SessionIssuer,
		Audience:   cfg.SessionAudience,
	})

	// Redis backs drafts and chat transcripts. Without it the platform
	// still runs, degraded to in-process draft storage.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, drafts fall back to memory", "error", err)
			redisClient = nil
		}
	}

	var draftStore continuity.DraftStore
	if redisClient != nil {
		draftStore = continuity.NewRedisStore(redisClient, cfg.DraftTTL)
	} else {
		draftStore = continuity.NewMemoryStore(true)
	}

	// Postgres backs entitlements and the persona roster.
	var (
		entStore    *entitlement.Store
		entChecker  entitlement.Checker
		personaRepo personas.Repository
	)
	personaRepo = personas.NewStaticRepository()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		entStore = entitlement.NewStore(db)
		entChecker = entStore

		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create pgx pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		personaRepo = personas.NewPostgresRepository(pool)
	} else {
		logger.Warn("no DATABASE_URL configured, using built-in persona roster and free tier only")
	}

	promRegistry := prometheus.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(promRegistry)

	relayClient := relay.NewClient(cfg.ModelAPIURL, cfg.ModelAPIKey, cfg.UpstreamTimeout)
	relayDefaults := relay.Defaults{
		Model:       cfg.ChatModel,
		Temperature: cfg.ChatTemperature,
		MaxTokens:   cfg.ChatMaxTokens,
		TopP:        cfg.ChatTopP,
	}
	relayHandler := relay.NewHandler(verifier, relayClient, relayDefaults, relayMetrics, logger)
	relayService := relay.NewService(relayClient, relayDefaults)

	continuityOpts := []continuity.Option{
		continuity.WithStaleness(cfg.DraftTTL),
		continuity.WithLogger(logger),
		continuity.WithRestoreObserver(relayMetrics.ObserveDraftRestore),
	}
	if entChecker != nil {
		continuityOpts = append(continuityOpts, continuity.WithEntitlements(entChecker))
	}
	registry := continuity.NewRegistry(draftStore, 30*time.Minute, continuityOpts...)
	defer registry.Close()

	continuityHandler := continuity.NewHandler(registry, verifier,
		continuity.ProviderRedirector{SignInURL: cfg.AuthSignInURL}, logger)

	transcripts := chat.NewTranscriptStore(redisClient)
	chatHandler := chat.NewHandler(verifier, relayService, personaRepo, transcripts, logger)

	routerCfg := &router.Config{
		Logger:             logger,
		Verifier:           verifier,
		ContinuityHandler:  continuityHandler,
		RelayHandler:       relayHandler,
		PersonasHandler:    personas.NewHandler(personaRepo, logger),
		ChatHandler:        chatHandler,
		MetricsHandler:     promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RelayRatePerSecond: cfg.RelayRatePerSecond,
		RelayRateBurst:     cfg.RelayRateBurst,
		AdminJWTSecret:     cfg.AdminJWTSecret,
	}
	if entStore != nil {
		routerCfg.EntitlementHandler = entitlement.NewHandler(entChecker, logger)
		routerCfg.BillingWebhook = entitlement.NewWebhookHandler(cfg.BillingWebhookSecret, entStore, logger)
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // model calls can be slow
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
