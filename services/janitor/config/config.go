package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
)

// Config holds typed configuration for the janitor service.
type Config struct {
	LogLevel     string
	LogFile      string
	RedisAddr    string
	KafkaBrokers string
	PostgresDSN  string
	MetricsAddr  string
	OTelEndpoint string

	StallWindow       time.Duration
	HeartbeatInterval time.Duration
	ReapSchedule      string
	PruneSchedule     string

	ArtifactsDir     string
	ArtifactMaxAge   time.Duration
	ArtifactMaxCount int
	AttemptMaxAge    time.Duration

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
	v.SetDefault("attempt_max_age", d.FailedMaxAge)
	v.SetDefault("heartbeat_interval", 5*time.Second)
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

		StallWindow:       v.GetDuration("stall_window"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		ReapSchedule:      v.GetString("reap_schedule"),
		PruneSchedule:     v.GetString("prune_schedule"),

		ArtifactsDir:     v.GetString("artifacts_dir"),
		ArtifactMaxAge:   v.GetDuration("artifact_max_age"),
		ArtifactMaxCount: v.GetInt("artifact_max_count"),
		AttemptMaxAge:    v.GetDuration("attempt_max_age"),

		Queue: queue.Config{
			BackoffBase:       v.GetDuration("backoff_base"),
			CompletedMaxAge:   v.GetDuration("completed_max_age"),
			CompletedMaxCount: v.GetInt("completed_max_count"),
			FailedMaxAge:      v.GetDuration("failed_max_age"),
		},
	}
}

// Validate checks the stall window against the workers' heartbeat interval.
func (c Config) Validate() error {
	return queue.CheckHeartbeat(c.HeartbeatInterval, c.StallWindow)
}
