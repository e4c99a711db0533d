package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/api"
	"github.com/beaconhq/beacon/internal/changefeed"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/event"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/observ"
	"github.com/beaconhq/beacon/internal/provider"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/realtime"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/template"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// Database
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Event catalog and templates
	events, err := event.NewRegistry(event.Defaults())
	if err != nil {
		return fmt.Errorf("invalid event catalog: %w", err)
	}
	templates := template.NewDirSource(cfg.TemplatesPath)

	// Delivery providers, each behind a circuit breaker
	providers := provider.NewRegistry()

	emailProvider, err := provider.NewSESProvider(ctx, provider.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES unavailable, falling back to log provider for email", zap.Error(err))
		providers.Register(provider.NewLogProvider(db.ChannelEmail, logger))
	} else {
		providers.Register(circuitbreaker.NewProtectedProvider(
			emailProvider,
			circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
			logger,
		))
	}

	smsProvider, err := provider.NewSNSProvider(ctx, provider.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS unavailable, falling back to log provider for sms", zap.Error(err))
		providers.Register(provider.NewLogProvider(db.ChannelSMS, logger))
	} else {
		providers.Register(circuitbreaker.NewProtectedProvider(
			smsProvider,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger),
			logger,
		))
	}

	// Connection manager and background loops
	manager := realtime.NewManager(realtime.Config{
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		AuthTimeout:           cfg.WSAuthTimeout,
		StaleThreshold:        cfg.WSStaleThreshold,
		SweepInterval:         cfg.WSSweepInterval,
	}, repo, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go manager.RunSweeper(bgCtx)

	listener := changefeed.NewListener(database.Pool(), manager, logger)
	go listener.Run(bgCtx)

	orchestrator := dispatch.NewOrchestrator(
		events,
		templates,
		providers,
		repo,
		manager,
		map[db.Channel]string{
			db.ChannelEmail: cfg.EmailProvider,
			db.ChannelSMS:   cfg.SMSProvider,
		},
		logger,
	)

	// Optional SQS intake
	var producer *queue.Producer
	if cfg.SQSQueueURL != "" {
		qCfg := queue.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}

		producer, err = queue.NewProducer(ctx, qCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, falling back to synchronous dispatch",
				zap.Error(err),
			)
			producer = nil
		}

		consumer, err := queue.NewConsumer(ctx, qCfg, orchestrator, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable", zap.Error(err))
		} else {
			go consumer.Run(bgCtx)
			logger.Info("sqs consumer started")
		}
	}

	// Router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, orchestrator, manager)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	if producer != nil {
		handler = handler.WithEnqueuer(producer)
	}

	// the websocket route is long lived, so the request timeout is
	// scoped to the API routes only
	r.Route("/api/notifications", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

		r.Get("/user/{userID}", handler.ListNotifications)
		r.Get("/user/{userID}/unread", handler.UnreadCount)
		r.Post("/read/{notificationID}", handler.MarkRead)
		r.Post("/read-all/{userID}", handler.MarkAllRead)
		r.Get("/preferences/{userID}", handler.GetPreference)
		r.Post("/preferences/{userID}", handler.SavePreference)
		r.Post("/send-event", handler.SendEvent)
	})

	r.Handle("/ws", realtime.NewWSHandler(manager, logger))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
