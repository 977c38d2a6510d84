package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"engage_inbound/internal/config"
	"engage_inbound/internal/entities"
	"engage_inbound/internal/infrastructure"
	"engage_inbound/internal/interfaces"
	"engage_inbound/internal/interfaces/http"
	"engage_inbound/internal/repository"
	"engage_inbound/internal/usecases"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := infrastructure.NewLogger(cfg.LogLevel, !cfg.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service stopped with error")
	}
	logger.Info().Msg("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Connect to PostgreSQL
	pgClient, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL, 20)
	if err != nil {
		return err
	}
	defer pgClient.Close()
	if err := pgClient.Migrate(ctx); err != nil {
		return err
	}
	store := repository.NewStore(pgClient.Pool)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infrastructure.NewInboundMetrics(registry)

	guard := idempotencyGuard(ctx, cfg, logger)
	hub := infrastructure.NewRealtimeHub(logger)
	defer hub.Close()

	mediaStore, mediaDir, err := openMediaStore(ctx, cfg)
	if err != nil {
		return err
	}
	broker := infrastructure.NewBrokerClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.MediaDownloadTimeout, logger)

	// The session manager and the router reference each other through the payload handler.
	var router *usecases.InboundRouter
	handlePayload := func(ctx context.Context, raw []byte, hints entities.TransportHints) error {
		_, err := router.HandlePayload(ctx, raw, hints)
		return err
	}
	sessions := infrastructure.NewWhatsAppManager(cfg.DevicesDir, handlePayload, logger)
	defer sessions.DisconnectAll()

	downloaders := infrastructure.FallbackDownloader{sessions}
	if broker.Enabled() {
		downloaders = append(downloaders, broker)
	}
	var pollSource interfaces.PollMetadataSource
	if broker.Enabled() {
		pollSource = broker
	}

	scheduler := usecases.NewTimerScheduler()
	defer scheduler.Stop()

	provisioning := usecases.NewProvisioningService(store, hub, cfg.QueueCacheTTL, logger)
	media := usecases.NewMediaService(downloaders, mediaStore, cfg.MediaDownloadTimeout, metrics, logger)
	messages := usecases.NewMessageService(
		store, provisioning, hub, store, media,
		infrastructure.NewDedupeStore(cfg.DedupeMaxEntries),
		infrastructure.NewDedupeStore(cfg.DedupeMaxEntries),
		metrics,
		usecases.MessageServiceConfig{DedupeTTL: cfg.DedupeTTL, AllocationDedupeTTL: cfg.AllocationDedupeTTL},
		logger,
	)
	polls := usecases.NewPollChoiceService(
		store, messages, hub, pollSource, scheduler,
		infrastructure.NewDedupeStore(cfg.DedupeMaxEntries),
		metrics,
		usecases.PollChoiceConfig{RetryDelay: cfg.PollRetryDelay, DedupeTTL: cfg.DedupeTTL},
		logger,
	)
	router = usecases.NewInboundRouter(usecases.NewNormalizer(cfg.DefaultPhoneRegion), messages, polls, guard, cfg.IdempotencyTTL, metrics, logger)

	if restored := sessions.RestoreSessions(ctx); len(restored) > 0 {
		logger.Info().Strs("instances", restored).Msg("Restored WhatsApp sessions")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	http.SetupRoutes(engine, http.Deps{
		Inbound:  router,
		Sessions: sessions,
		Realtime: hub,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Health:   func(ctx context.Context) error { return pgClient.Pool.Ping(ctx) },
		MediaDir: mediaDir,
		Logger:   logger,
	}, http.NewMiddleware(cfg.JWTSecret, cfg.WebhookAPIKey, cfg.WebhookRateLimit, cfg.WebhookRateBurst))

	server := &nethttp.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.AMQPURL != "" {
		consumer := infrastructure.NewBrokerConsumer(infrastructure.BrokerConsumerConfig{
			URL:                cfg.AMQPURL,
			Queue:              cfg.AMQPQueue,
			MaxRedeliveries:    cfg.AMQPMaxRedeliveries,
			RetryDelay:         cfg.AMQPRetryDelay,
			DeadLetterExchange: cfg.AMQPDeadLetterExchange,
		}, handlePayload, logger)
		if err := consumer.Start(gctx); err != nil {
			return err
		}
		defer consumer.Close()
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info().Msg("Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// idempotencyGuard prefers Redis so replays are suppressed across replicas.
func idempotencyGuard(ctx context.Context, cfg *config.Config, logger zerolog.Logger) infrastructure.IdempotencyGuard {
	if cfg.RedisAddr != "" {
		client, err := infrastructure.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err == nil {
			return infrastructure.NewRedisIdempotencyGuard(client)
		}
		logger.Warn().Err(err).Msg("Redis unavailable, using in-memory idempotency guard")
	}
	return infrastructure.NewMemoryIdempotencyGuard(cfg.DedupeMaxEntries)
}

// openMediaStore returns the configured store and, for the local store, the directory to serve.
func openMediaStore(ctx context.Context, cfg *config.Config) (interfaces.MediaStore, string, error) {
	if cfg.MinioEndpoint != "" {
		s, err := infrastructure.NewMinioMediaStore(ctx, infrastructure.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicBaseURL,
		})
		return s, "", err
	}
	s, err := infrastructure.NewLocalMediaStore(cfg.MediaDir, cfg.MediaPublicBaseURL)
	if err != nil {
		return nil, "", err
	}
	return s, s.Dir(), nil
}
