package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/api"
	"github.com/lalithlochan/notekeeper/internal/circuitbreaker"
	"github.com/lalithlochan/notekeeper/internal/config"
	"github.com/lalithlochan/notekeeper/internal/db"
	"github.com/lalithlochan/notekeeper/internal/observ"
	"github.com/lalithlochan/notekeeper/internal/redis"
	"github.com/lalithlochan/notekeeper/internal/worker"
)

// store is what both the HTTP layer and the scheduler need from persistence.
type store interface {
	api.ReminderRepository
	worker.Repository
}

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
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notekeeper",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("email_transport", cfg.EmailTransport),
	)

	ctx := context.Background()

	repo, dbCheck, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	healthChecks := []api.HealthCheck{{Name: "database", Check: dbCheck}}

	var (
		redisClient *redis.Client
		idempotency *redis.IdempotencyService
		rateLimiter *redis.RateLimiter
	)
	if cfg.RedisEnabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			if cfg.ReminderDistributedLock {
				return fmt.Errorf("redis is required for the distributed scheduler lock: %w", err)
			}
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, nil, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		healthChecks = append(healthChecks, api.HealthCheck{Name: "redis", Check: redisClient.Ping})
	}

	transport, err := newDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            cfg.EmailTransport,
		MaxFailures:     cfg.BreakerMaxFailures,
		RecoveryTimeout: time.Duration(cfg.BreakerRecoverySec) * time.Second,
	}, nil, logger)
	dispatcher := circuitbreaker.NewProtectedDispatcher(transport, breaker, logger)

	var opts []worker.Option
	if cfg.ReminderDistributedLock && redisClient != nil {
		opts = append(opts, worker.WithLocker(redis.NewLocker(redisClient, logger)))
	}
	scheduler := worker.New(repo, dispatcher, worker.Config{
		PollInterval:    cfg.PollInterval(),
		BatchSize:       cfg.ReminderBatchSize,
		CleanupEvery:    cfg.ReminderCleanupEvery,
		RetentionDays:   cfg.ReminderRetentionDays,
		DispatchTimeout: cfg.DispatchTimeout(),
	}, logger, opts...)

	if cfg.ReminderWorkerEnabled {
		scheduler.Start(ctx)
	} else {
		logger.Info("reminder scheduler disabled")
	}

	var handlerOpts []api.HandlerOption
	if idempotency != nil {
		handlerOpts = append(handlerOpts, api.WithIdempotency(idempotency))
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:     api.NewHandler(logger, repo, handlerOpts...),
		Health:      api.NewHealthHandler(scheduler, []*circuitbreaker.Breaker{breaker}, healthChecks...),
		JWTSecret:   []byte(cfg.JWTSecret),
		RateLimiter: rateLimiter,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
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

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// HTTP first, then drain the scheduler; deferred closes release Redis and
	// then the database.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.DispatchTimeout()+5*time.Second)
	defer stopCancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("scheduler did not drain in time", zap.Error(err))
	}

	logger.Info("server stopped")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(context.Context) error, func(), error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		sq, err := db.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return sq, sq.Health, func() { _ = sq.Close() }, nil

	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db.NewRepository(database.Pool(), logger), database.Health, database.Close, nil
	}
}

func newDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Dispatcher, error) {
	switch cfg.EmailTransport {
	case config.TransportSES:
		d, err := worker.NewSESDispatcher(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES dispatcher: %w", err)
		}
		return d, nil

	case config.TransportLog:
		return worker.NewLogDispatcher(logger), nil

	default:
		logger.Info("email transport selected",
			zap.String("transport", config.TransportSMTP),
			zap.Bool("transport_configured", cfg.SMTPConfigured()),
		)
		return worker.NewSMTPDispatcher(worker.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger), nil
	}
}
