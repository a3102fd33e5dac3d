package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/compiler"
	"github.com/ramiqadoumi/go-part-flow/internal/pipeline"
	"github.com/ramiqadoumi/go-part-flow/services/worker/config"
)

// Generator is recorded in archive metadata.
const Generator = "partflow"

// NewPipeline assembles the OpenSCAD-backed pipeline and the artifact store
// it publishes to.
func NewPipeline(cfg config.Config, logger *slog.Logger) (*pipeline.Pipeline, *artifact.Store, error) {
	store, err := artifact.NewStore(cfg.ArtifactsDir, cfg.Artifacts())
	if err != nil {
		return nil, nil, fmt.Errorf("artifact store: %w", err)
	}
	comp := compiler.NewOpenSCAD(cfg.OpenSCADBinary, cfg.TemplatesDir, compiler.WithLogger(logger))
	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithGenerator(Generator)}
	if cfg.MinMeshBytes > 0 {
		opts = append(opts, pipeline.WithMinMeshBytes(cfg.MinMeshBytes))
	}
	return pipeline.New(comp, store, cfg.WorkspaceDir, opts...), store, nil
}

// PoolOptions maps cfg onto Pool options.
func PoolOptions(cfg config.Config, logger *slog.Logger) []Option {
	return []Option{
		WithLogger(logger),
		WithConcurrency(cfg.Concurrency),
		WithJobTimeout(cfg.JobTimeout),
		WithPollInterval(cfg.PollInterval),
		WithHeartbeatInterval(cfg.HeartbeatInterval),
	}
}

// WorkspaceMaxAge is how long an attempt workspace may sit idle before it
// counts as abandoned.
func WorkspaceMaxAge(cfg config.Config) time.Duration {
	return 2*cfg.JobTimeout + cfg.HeartbeatInterval
}
