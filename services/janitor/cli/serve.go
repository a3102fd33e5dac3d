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

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/kafka"
	"github.com/ramiqadoumi/go-part-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-part-flow/internal/redis"
	"github.com/ramiqadoumi/go-part-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-part-flow/services/janitor"
	"github.com/ramiqadoumi/go-part-flow/services/janitor/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the janitor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for stalled events; empty disables events")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for attempt history retention; empty disables it")
	serveCmd.Flags().Duration("stall-window", 30*time.Second, "heartbeat age after which an active job is reclaimed")
	serveCmd.Flags().String("reap-schedule", "@every 10s", "cron spec for stalled-job reaping")
	serveCmd.Flags().String("prune-schedule", "@every 1m", "cron spec for retention")
	serveCmd.Flags().String("artifacts-dir", "./artifacts", "artifact store directory")
	serveCmd.Flags().String("metrics-addr", ":9093", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("stall_window", serveCmd.Flags(), "stall-window")
	bindFlag("reap_schedule", serveCmd.Flags(), "reap-schedule")
	bindFlag("prune_schedule", serveCmd.Flags(), "prune-schedule")
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
	instanceID := "janitor-" + uuid.New().String()[:8]

	logger, closeLog := buildLogger(cfg.LogLevel, "janitor", cfg.LogFile)
	defer func() { _ = closeLog() }()
	logger = logger.With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "janitor", cfg.OTelEndpoint)
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

	store, err := artifact.NewStore(cfg.ArtifactsDir, cfg.Artifacts())
	if err != nil {
		return err
	}

	opts := []janitor.Option{
		janitor.WithLogger(logger),
		janitor.WithLeader(janitor.NewRedisLeader(redisClient, instanceID, logger)),
		janitor.WithArtifacts(store),
		janitor.WithStallWindow(cfg.StallWindow),
		janitor.WithReapSchedule(cfg.ReapSchedule),
		janitor.WithPruneSchedule(cfg.PruneSchedule),
	}

	if cfg.KafkaBrokers != "" {
		producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","), kafka.WithProducerLogger(logger))
		defer func() { _ = producer.Close() }()
		opts = append(opts, janitor.WithEvents(kafka.NewEventPublisher(producer)))
	}

	if cfg.PostgresDSN != "" {
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, janitor.WithAttempts(postgres.NewRepository(pool), cfg.AttemptMaxAge))
	}
	cancel()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	j := janitor.New(redisstore.NewQueue(redisClient, cfg.Queue), opts...)
	if err := j.Run(runCtx); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	logger.Info("stopped")
	return nil
}
