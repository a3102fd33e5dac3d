package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	LogFile      string
	RedisAddr    string
	KafkaBrokers string
	PostgresDSN  string
	MetricsAddr  string
	OTelEndpoint string

	Concurrency       int
	RateLimit         int
	RateWindow        time.Duration
	JobTimeout        time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StallWindow       time.Duration

	OpenSCADBinary string
	TemplatesDir   string
	WorkspaceDir   string
	ArtifactsDir   string
	MinMeshBytes   int64

	ArtifactMaxAge   time.Duration
	ArtifactMaxCount int

	Queue queue.Config
}

// Artifacts returns the artifact retention policy.
func (c Config) Artifacts() artifact.Retention {
	return artifact.Retention{MaxAge: c.ArtifactMaxAge, MaxCount: c.ArtifactMaxCount}
}

// SetDefaults registers defaults for keys that have no command-line flag.
func SetDefaults(v *viper.Viper) {
	d := queue.DefaultConfig()
	v.SetDefault("backoff_base", d.BackoffBase)
	v.SetDefault("completed_max_age", d.CompletedMaxAge)
	v.SetDefault("completed_max_count", d.CompletedMaxCount)
	v.SetDefault("failed_max_age", d.FailedMaxAge)
	v.SetDefault("artifact_max_age", 24*time.Hour)
	v.SetDefault("artifact_max_count", 0)
	v.SetDefault("min_mesh_bytes", 100)
	v.SetDefault("poll_interval", 500*time.Millisecond)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("stall_window", 30*time.Second)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
		RedisAddr:    v.GetString("redis_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		Concurrency:       v.GetInt("concurrency"),
		RateLimit:         v.GetInt("rate_limit"),
		RateWindow:        v.GetDuration("rate_window"),
		JobTimeout:        v.GetDuration("job_timeout"),
		PollInterval:      v.GetDuration("poll_interval"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		StallWindow:       v.GetDuration("stall_window"),

		OpenSCADBinary: v.GetString("openscad_binary"),
		TemplatesDir:   v.GetString("templates_dir"),
		WorkspaceDir:   v.GetString("workspace_dir"),
		ArtifactsDir:   v.GetString("artifacts_dir"),
		MinMeshBytes:   v.GetInt64("min_mesh_bytes"),

		ArtifactMaxAge:   v.GetDuration("artifact_max_age"),
		ArtifactMaxCount: v.GetInt("artifact_max_count"),

		Queue: queue.Config{
			BackoffBase:       v.GetDuration("backoff_base"),
			CompletedMaxAge:   v.GetDuration("completed_max_age"),
			CompletedMaxCount: v.GetInt("completed_max_count"),
			FailedMaxAge:      v.GetDuration("failed_max_age"),
		},
	}
}

// Validate reports settings that would make healthy jobs look stalled.
// StallWindow must match the janitor's.
func (c Config) Validate() error {
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout)
	}
	return queue.CheckHeartbeat(c.HeartbeatInterval, c.StallWindow)
}
