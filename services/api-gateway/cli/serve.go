package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/intake"
	"github.com/ramiqadoumi/go-part-flow/internal/kafka"
	"github.com/ramiqadoumi/go-part-flow/internal/postgres"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
	"github.com/ramiqadoumi/go-part-flow/internal/ratelimit"
	redisstore "github.com/ramiqadoumi/go-part-flow/internal/redis"
	"github.com/ramiqadoumi/go-part-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-part-flow/services/api-gateway/config"
	"github.com/ramiqadoumi/go-part-flow/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-part-flow/services/api-gateway/middleware"
	"github.com/ramiqadoumi/go-part-flow/services/janitor"
	"github.com/ramiqadoumi/go-part-flow/services/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and gRPC servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("grpc-port", "9090", "gRPC server port; empty disables gRPC")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("queue-backend", config.BackendRedis, "job queue backend: redis | memory")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for job events; empty disables events")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for attempt history; empty disables history")
	serveCmd.Flags().String("artifacts-dir", "./artifacts", "artifact store directory")
	serveCmd.Flags().Bool("embedded-worker", false, "run a worker pool and janitor in this process")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("grpc_port", serveCmd.Flags(), "grpc-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("queue_backend", serveCmd.Flags(), "queue-backend")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("artifacts_dir", serveCmd.Flags(), "artifacts-dir")
	bindFlag("embedded_worker", serveCmd.Flags(), "embedded-worker")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog := buildLogger(cfg.LogLevel, "api-gateway", cfg.LogFile)
	defer func() { _ = closeLog() }()

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ── queue ─────────────────────────────────────────────────────────────────
	var (
		q           queue.Queue
		redisClient *goredis.Client
		ready       = func(context.Context) error { return nil }
	)
	switch cfg.QueueBackend {
	case config.BackendRedis:
		redisClient, err = redisstore.Connect(initCtx, cfg.RedisAddr, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
		q = redisstore.NewQueue(redisClient, cfg.Queue)
		ready = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	default:
		q = queue.NewMemory(cfg.Queue)
		logger.Warn("using in-memory queue: jobs do not survive a restart")
	}

	// ── optional collaborators ────────────────────────────────────────────────
	var events *kafka.EventPublisher
	if cfg.KafkaBrokers != "" {
		producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","), kafka.WithProducerLogger(logger))
		defer func() { _ = producer.Close() }()
		events = kafka.NewEventPublisher(producer)
	}

	var history postgres.AttemptRepository
	if cfg.PostgresDSN != "" {
		pgPool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pgPool.Close()
		history = postgres.NewRepository(pgPool)
	}

	// ── embedded worker + janitor ─────────────────────────────────────────────
	var store *artifact.Store
	var background []func(context.Context) error
	var pool *worker.Pool
	if cfg.EmbeddedWorker {
		pipe, s, err := worker.NewPipeline(cfg.Worker, logger)
		if err != nil {
			return err
		}
		store = s
		pool, background = embed(cfg, q, pipe, store, redisClient, events, history, logger)
	} else {
		store, err = artifact.NewStore(cfg.ArtifactsDir, cfg.Worker.Artifacts())
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
	}
	cancel()

	intakeOpts := []intake.Option{intake.WithLogger(logger), intake.WithMaxAttempts(cfg.MaxAttempts)}
	if history != nil {
		intakeOpts = append(intakeOpts, intake.WithHistory(history))
	}
	svc := intake.New(q, store, intakeOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	handler.NewREST(svc, ready, logger).Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	var (
		grpcSrv *grpc.Server
		grpcLis net.Listener
		hs      *health.Server
	)
	if cfg.GRPCPort != "" {
		grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		handler.NewGRPC(svc, logger, 500*time.Millisecond).Register(grpcSrv)
		hs = health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, hs)
		reflection.Register(grpcSrv)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if grpcSrv != nil {
		go handler.ServeHealth(runCtx, hs, ready, 5*time.Second)
		go func() {
			logger.Info("api-gateway gRPC starting", slog.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				logger.Error("gRPC server error", slog.String("error", err.Error()))
				os.Exit(1)
			}
		}()
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, ready)

	var wg sync.WaitGroup
	for _, run := range background {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(runCtx); err != nil {
				logger.Error("embedded service stopped", slog.String("error", err.Error()))
			}
		}(run)
	}

	go func() {
		logger.Info("api-gateway HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("queue_backend", cfg.QueueBackend),
			slog.Bool("embedded_worker", cfg.EmbeddedWorker),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	runCancel()
	wg.Wait()
	if pool != nil {
		pool.Wait()
	}
	logger.Info("stopped")
	return nil
}

// embed builds the in-process worker pool and janitor. With Redis they
// coordinate with any out-of-process workers through the shared rate limit
// and leader lock.
func embed(
	cfg config.Config,
	q queue.Queue,
	runner worker.Runner,
	store *artifact.Store,
	redisClient *goredis.Client,
	events *kafka.EventPublisher,
	history postgres.AttemptRepository,
	logger *slog.Logger,
) (*worker.Pool, []func(context.Context) error) {
	id := "gateway-" + uuid.New().String()[:8]

	poolOpts := worker.PoolOptions(cfg.Worker, logger.With(slog.String("worker_id", id)))
	janitorOpts := []janitor.Option{
		janitor.WithLogger(logger.With(slog.String("component", "janitor"))),
		janitor.WithArtifacts(store),
		janitor.WithStallWindow(cfg.Janitor.StallWindow),
		janitor.WithReapSchedule(cfg.Janitor.ReapSchedule),
		janitor.WithPruneSchedule(cfg.Janitor.PruneSchedule),
	}

	if redisClient != nil {
		poolOpts = append(poolOpts, worker.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.Worker.RateLimit, cfg.Worker.RateWindow)))
		janitorOpts = append(janitorOpts, janitor.WithLeader(janitor.NewRedisLeader(redisClient, id, logger)))
	} else {
		poolOpts = append(poolOpts, worker.WithLimiter(ratelimit.NewWindow(cfg.Worker.RateLimit, cfg.Worker.RateWindow)))
		janitorOpts = append(janitorOpts, janitor.WithLeader(janitor.Solo{}))
	}
	if s, ok := runner.(janitor.WorkspaceSweeper); ok {
		janitorOpts = append(janitorOpts, janitor.WithWorkspaces(s, worker.WorkspaceMaxAge(cfg.Worker)))
	}
	if events != nil {
		poolOpts = append(poolOpts, worker.WithEvents(events))
		janitorOpts = append(janitorOpts, janitor.WithEvents(events))
	}
	if history != nil {
		poolOpts = append(poolOpts, worker.WithAttemptRecorder(history))
		janitorOpts = append(janitorOpts, janitor.WithAttempts(history, cfg.Janitor.AttemptMaxAge))
	}

	p := worker.NewPool(id, q, runner, poolOpts...)
	j := janitor.New(q, janitorOpts...)
	return p, []func(context.Context) error{p.Run, j.Run}
}
