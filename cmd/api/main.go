package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/city-services/cmd/mainconfig"
	"github.com/wolfman30/city-services/internal/api/router"
	"github.com/wolfman30/city-services/internal/app/bootstrap"
	"github.com/wolfman30/city-services/internal/clinic"
	appconfig "github.com/wolfman30/city-services/internal/config"
	httpmiddleware "github.com/wolfman30/city-services/internal/http/middleware"
	"github.com/wolfman30/city-services/internal/observability/metrics"
	"github.com/wolfman30/city-services/internal/queue"
	"github.com/wolfman30/city-services/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info("starting city-services queue API",
		"env", cfg.Env,
		"port", cfg.Port,
		"timezone", cfg.Location().String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	var pool *pgxpool.Pool
	if !cfg.UseMemoryStore {
		p, err := bootstrap.ConnectPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		pool = p
	}
	if pool != nil {
		defer pool.Close()
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	metricsHandler, queueMetrics := setupMetrics()
	store := bootstrap.BuildQueueStore(cfg, pool, logger)
	svc := bootstrap.BuildQueueService(cfg, store, redisClient, queueMetrics, logger)

	var sqsClient *sqs.Client
	if cfg.QueueEventsURL != "" {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return err
		}
		sqsClient = sqs.NewFromConfig(awsCfg)
	}
	if deliverer := bootstrap.BuildDeliverer(cfg, pool, bootstrap.BuildEventHandlers(cfg, redisClient, sqsClient), logger); deliverer != nil {
		go deliverer.Start(ctx)
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx, time.Minute)

	var sqlDB *sql.DB
	if pool != nil {
		sqlDB = stdlib.OpenDBFromPool(pool)
		defer sqlDB.Close()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(routerConfig(cfg, logger, svc, redisClient, pool, sqlDB, limiter, metricsHandler)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func routerConfig(cfg *appconfig.Config, logger *logging.Logger, svc *queue.Service, redisClient *redis.Client, pool *pgxpool.Pool, sqlDB *sql.DB, limiter *httpmiddleware.RateLimiter, metricsHandler http.Handler) *router.Config {
	rc := &router.Config{
		Logger:             logger,
		QueueHandler:       queue.NewHandler(svc, logger).WithLive(redisClient),
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		PublicLimiter:      limiter,
		StaffJWTSecret:     cfg.StaffJWTSecret,
	}
	if pool != nil {
		rc.ClinicHandler = clinic.NewHandler(clinic.NewDirectory(sqlDB), clinic.NewStatsRepository(pool), svc.Today, logger)
		rc.Ready = pool.Ping
	}
	if cfg.StaffJWTSecret == "" {
		logger.Warn("STAFF_JWT_SECRET not set; staff queue endpoints are disabled")
	}
	return rc
}

// setupMetrics registers queue metrics on a private registry alongside the
// Go runtime collectors.
func setupMetrics() (http.Handler, *metrics.QueueMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewQueueMetrics(reg)
}
