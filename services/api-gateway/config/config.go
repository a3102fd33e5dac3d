package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/internal/queue"
	janitorconfig "github.com/ramiqadoumi/go-part-flow/services/janitor/config"
	workerconfig "github.com/ramiqadoumi/go-part-flow/services/worker/config"
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel     string
	LogFile      string
	HTTPPort     string
	GRPCPort     string
	MetricsAddr  string
	OTelEndpoint string

	QueueBackend string
	RedisAddr    string
	KafkaBrokers string
	PostgresDSN  string
	ArtifactsDir string
	MaxAttempts  int
	MaxBodyBytes int64

	// EmbeddedWorker runs a worker pool and janitor inside the gateway.
	EmbeddedWorker bool
	Worker         workerconfig.Config
	Janitor        janitorconfig.Config

	Queue queue.Config
}

// SetDefaults registers defaults for keys that have no command-line flag,
// including everything the embedded worker and janitor read.
func SetDefaults(v *viper.Viper) {
	workerconfig.SetDefaults(v)
	janitorconfig.SetDefaults(v)
	v.SetDefault("max_attempts", queue.DefaultMaxAttempts)
	v.SetDefault("max_body_bytes", 1<<20)

	v.SetDefault("concurrency", 2)
	v.SetDefault("rate_limit", 10)
	v.SetDefault("rate_window", 60*time.Second)
	v.SetDefault("job_timeout", 60*time.Second)
	v.SetDefault("openscad_binary", "openscad")
	v.SetDefault("templates_dir", "./templates")
	v.SetDefault("workspace_dir", filepath.Join(os.TempDir(), "partflow", "workspace"))
	v.SetDefault("stall_window", 30*time.Second)
	v.SetDefault("reap_schedule", "@every 10s")
	v.SetDefault("prune_schedule", "@every 1m")
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	w := workerconfig.Load(v)
	return Config{
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
		HTTPPort:     v.GetString("http_port"),
		GRPCPort:     v.GetString("grpc_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		QueueBackend: v.GetString("queue_backend"),
		RedisAddr:    v.GetString("redis_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		ArtifactsDir: v.GetString("artifacts_dir"),
		MaxAttempts:  v.GetInt("max_attempts"),
		MaxBodyBytes: v.GetInt64("max_body_bytes"),

		EmbeddedWorker: v.GetBool("embedded_worker"),
		Worker:         w,
		Janitor:        janitorconfig.Load(v),

		Queue: w.Queue,
	}
}

// Validate rejects combinations that would accept jobs nobody can run.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case BackendRedis:
	case BackendMemory:
		if !c.EmbeddedWorker {
			return fmt.Errorf("queue backend %q requires --embedded-worker", BackendMemory)
		}
	default:
		return fmt.Errorf("unknown queue backend %q (want %s or %s)", c.QueueBackend, BackendMemory, BackendRedis)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.EmbeddedWorker {
		return queue.CheckHeartbeat(c.Worker.HeartbeatInterval, c.Janitor.StallWindow)
	}
	return nil
}
