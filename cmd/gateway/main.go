package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/api"
	"github.com/avisitor/mail-service-sub000/internal/circuitbreaker"
	"github.com/avisitor/mail-service-sub000/internal/config"
	"github.com/avisitor/mail-service-sub000/internal/db"
	"github.com/avisitor/mail-service-sub000/internal/metrics"
	"github.com/avisitor/mail-service-sub000/internal/observ"
	"github.com/avisitor/mail-service-sub000/internal/ratelimit"
	"github.com/avisitor/mail-service-sub000/internal/redis"
	"github.com/avisitor/mail-service-sub000/internal/secrets"
	"github.com/avisitor/mail-service-sub000/internal/smscfg"
	"github.com/avisitor/mail-service-sub000/internal/smtpcfg"
	"github.com/avisitor/mail-service-sub000/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments use the process environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting mail service gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("test_mode", cfg.TestMode),
	)

	ctx := context.Background()

	database, err := connectDB(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	configs := db.NewConfigRepository(database, logger)
	jobs := db.NewJobRepository(database, logger)

	cipher := secrets.New(cfg.EncryptionKey)

	emailService := smtpcfg.NewService(configs, cipher, smtpcfg.EnvFallback{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Secure:      cfg.SMTPSecure,
		User:        cfg.SMTPUser,
		Pass:        cfg.SMTPPassword,
		FromAddress: cfg.SMTPFromAddress,
		FromName:    cfg.SMTPFromName,
	}, logger)
	smsService := smscfg.NewService(configs, cipher, logger)

	// Redis backs enqueue idempotency and HTTP rate limiting. Both degrade
	// to pass-through when it is unreachable.
	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
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
	} else {
		defer redisClient.Close()
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
	}

	smtpBreaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "smtp",
		MaxFailures: cfg.CircuitMaxFailures,
	}, logger)
	sesBreaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "ses",
		MaxFailures: cfg.CircuitMaxFailures,
	}, logger)

	senders := []worker.Sender{
		circuitbreaker.NewProtectedSender(worker.NewSMTPSender(logger), smtpBreaker, logger),
		circuitbreaker.NewProtectedSender(worker.NewSESSender(cfg.AWSRegion, logger), sesBreaker, logger),
	}

	tracker := ratelimit.New()

	w := worker.New(jobs, emailService, tracker, senders, worker.Config{
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: time.Duration(cfg.InterBatchDelayMs) * time.Millisecond,
		MaxPerHour:      cfg.MaxEmailsPerHour,
		MaxPerDay:       cfg.MaxEmailsPerDay,
		TestMode:        cfg.TestMode,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.WorkerDisabled {
		logger.Info("background worker disabled, ticks run on demand only")
	} else {
		go w.Start(workerCtx, time.Duration(cfg.TickIntervalSecs)*time.Second)
		logger.Info("background worker started",
			zap.Int("interval_seconds", cfg.TickIntervalSecs),
			zap.Int("batch_size", cfg.BatchSize),
		)
	}

	go reportPoolStats(workerCtx, database)

	opts := []api.Option{
		api.WithDBPinger(database),
		api.WithBreakers(smtpBreaker, sesBreaker),
	}
	if idempotencyService != nil {
		opts = append(opts, api.WithIdempotency(idempotencyService))
	}

	handler := api.NewHandler(logger, emailService, smsService, jobs, w, opts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Routes(rateLimiter),
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

		// Stop claiming new jobs before draining in-flight requests.
		workerCancel()

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

// connectDB retries the initial connection so the gateway survives a
// database that comes up a little later than the process.
func connectDB(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	var database *db.DB
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		var connErr error
		database, connErr = db.New(ctx, dbConfig, logger)
		if connErr != nil {
			logger.Warn("database not ready, retrying", zap.Error(connErr))
		}
		return connErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return database, nil
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnectionsActive(database.AcquiredConns())
		}
	}
}
