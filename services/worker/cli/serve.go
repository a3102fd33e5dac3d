package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/internal/kafka"
	"github.com/ramiqadoumi/go-part-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-part-flow/internal/redis"
	"github.com/ramiqadoumi/go-part-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-part-flow/services/worker"
	"github.com/ramiqadoumi/go-part-flow/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker pool",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for job events; empty disables events")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for attempt history; empty disables history")
	serveCmd.Flags().Int("concurrency", 2, "jobs executed in parallel by this process")
	serveCmd.Flags().Int("rate-limit", 10, "job starts allowed per rate window across all workers")
	serveCmd.Flags().Duration("rate-window", 60*time.Second, "rate limit window")
	serveCmd.Flags().Duration("job-timeout", 60*time.Second, "per-attempt execution timeout")
	serveCmd.Flags().String("openscad-binary", "openscad", "geometry compiler executable")
	serveCmd.Flags().String("templates-dir", "./templates", "directory holding <orientation>-socket.scad templates")
	serveCmd.Flags().String("workspace-dir", os.TempDir()+"/partflow/workspace", "root for per-job scratch directories")
	serveCmd.Flags().String("artifacts-dir", "./artifacts", "artifact store directory")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("rate_window", serveCmd.Flags(), "rate-window")
	bindFlag("job_timeout", serveCmd.Flags(), "job-timeout")
	bindFlag("openscad_binary", serveCmd.Flags(), "openscad-binary")
	bindFlag("templates_dir", serveCmd.Flags(), "templates-dir")
	bindFlag("workspace_dir", serveCmd.Flags(), "workspace-dir")
	bindFlag("artifacts_dir", serveCmd.Flags(), "artifacts-dir")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	workerID := "worker-" + uuid.New().String()[:8]

	logger, closeLog := buildLogger(cfg.LogLevel, "worker", cfg.LogFile)
	defer func() { _ = closeLog() }()
	logger = logger.With(slog.String("worker_id", workerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := redisstore.Connect(initCtx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()
	q := redisstore.NewQueue(redisClient, cfg.Queue)

	pipe, _, err := worker.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}

	opts := append(worker.PoolOptions(cfg, logger),
		worker.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)),
	)

	if cfg.KafkaBrokers != "" {
		producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","), kafka.WithProducerLogger(logger))
		defer func() { _ = producer.Close() }()
		opts = append(opts, worker.WithEvents(kafka.NewEventPublisher(producer)))
	}

	if cfg.PostgresDSN != "" {
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, worker.WithAttemptRecorder(postgres.NewRepository(pool)))
	}
	cancel()

	p := worker.NewPool(workerID, q, pipe, opts...)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight jobs...")
		runCancel()
	}()

	logger.Info("worker starting",
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int("rate_limit", cfg.RateLimit),
		slog.Duration("rate_window", cfg.RateWindow),
		slog.Duration("job_timeout", cfg.JobTimeout),
	)

	go worker.RunSweeper(runCtx, pipe, worker.WorkspaceMaxAge(cfg), time.Minute, logger)

	if err := p.Run(runCtx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	p.Wait()
	logger.Info("stopped cleanly")
	return nil
}
