// Package pipeline executes one job attempt: compile every spec inside a
// private workspace, validate and package the meshes, and commit the
// artifact to the store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/compiler"
	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

// DefaultMinMeshBytes rejects outputs too small to hold a header plus geometry.
const DefaultMinMeshBytes = 100

const attemptDirPrefix = "attempt-"

// Publisher commits a packaged file for a job and returns its reference.
type Publisher interface {
	Publish(jobID, ext, src string) (string, error)
}

// Reporter receives progress checkpoints. It is called synchronously.
type Reporter func(domain.Progress)

// Pipeline is stateless between runs; one instance is shared by all workers.
type Pipeline struct {
	compiler      compiler.Compiler
	store         Publisher
	workspaceRoot string
	minMeshBytes  int64
	generator     string
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option      { return func(p *Pipeline) { p.logger = l } }
func WithMinMeshBytes(n int64) Option       { return func(p *Pipeline) { p.minMeshBytes = n } }
func WithGenerator(name string) Option      { return func(p *Pipeline) { p.generator = name } }
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New builds a Pipeline writing workspaces under workspaceRoot.
func New(c compiler.Compiler, store Publisher, workspaceRoot string, opts ...Option) *Pipeline {
	p := &Pipeline{
		compiler:      c,
		store:         store,
		workspaceRoot: workspaceRoot,
		minMeshBytes:  DefaultMinMeshBytes,
		generator:     "partflow",
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workspace returns the private directory of one attempt of jobID. A
// reclaimed attempt still unwinding and its replacement never share one.
func (p *Pipeline) Workspace(jobID string, attempt int) string {
	return filepath.Join(p.workspaceRoot, jobID, attemptDirPrefix+strconv.Itoa(attempt))
}

// Run executes one attempt of job and returns the artifact reference.
// The workspace is removed on every path, including timeout and
// cancellation. Every failure is an *domain.ExecutionError.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job, report Reporter) (string, error) {
	if report == nil {
		report = func(domain.Progress) {}
	}
	log := p.logger.With(slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts))
	specs := job.Payload.Specs
	if len(specs) == 0 {
		return "", &domain.ExecutionError{Kind: domain.FailureValidation, Spec: -1, Err: errors.New("payload has no specs")}
	}

	report(domain.Progress{Step: domain.StepPreparing, Message: "preparing workspace", Percentage: 5})
	ws, err := p.acquire(job.ID, job.Attempts)
	if err != nil {
		return "", &domain.ExecutionError{Kind: domain.FailureWorkspace, Spec: -1, Err: err}
	}
	defer p.release(ws, log)

	meshes := make([]string, len(specs))
	for i, spec := range specs {
		report(domain.Progress{
			Step:       domain.StepCompiling,
			Message:    fmt.Sprintf("compiling %s (%d of %d)", spec.FileStem(), i+1, len(specs)),
			Percentage: 10 + 60*i/len(specs),
		})
		out := filepath.Join(ws, meshName(i, spec))
		res, err := p.compiler.Compile(ctx, compiler.Invocation{Spec: spec, OutputPath: out, WorkDir: ws})
		if err != nil {
			return "", classify(ctx, i, err)
		}
		log.Debug("spec compiled", slog.Int("spec", i), slog.Duration("took", res.Duration))

		report(domain.Progress{
			Step:       domain.StepValidatingOutput,
			Message:    fmt.Sprintf("validating %s", filepath.Base(out)),
			Percentage: 10 + 60*(i+1)/len(specs),
		})
		if err := p.validate(out); err != nil {
			return "", &domain.ExecutionError{Kind: domain.FailureValidation, Spec: i, Err: err}
		}
		meshes[i] = out
	}

	report(domain.Progress{Step: domain.StepPackaging, Message: "packaging artifact", Percentage: 80})
	src, ext := meshes[0], artifact.MeshExt
	if len(meshes) > 1 {
		src, ext = filepath.Join(ws, job.ID+artifact.ArchiveExt), artifact.ArchiveExt
		if err := p.writeArchive(src, job, meshes); err != nil {
			return "", &domain.ExecutionError{Kind: domain.FailurePackaging, Spec: -1, Err: err}
		}
	}

	// A cancelled or timed-out attempt never publishes.
	if err := ctx.Err(); err != nil {
		return "", classify(ctx, -1, err)
	}

	report(domain.Progress{Step: domain.StepStoringArtifact, Message: "storing artifact", Percentage: 90})
	ref, err := p.store.Publish(job.ID, ext, src)
	if err != nil {
		return "", &domain.ExecutionError{Kind: domain.FailurePackaging, Spec: -1, Err: fmt.Errorf("commit artifact: %w", err)}
	}

	report(domain.Progress{Step: domain.StepDone, Message: "artifact ready", Percentage: 100})
	return ref, nil
}

func (p *Pipeline) acquire(jobID string, attempt int) (string, error) {
	ws := p.Workspace(jobID, attempt)
	// Leftovers from a crashed run of this same attempt.
	if err := os.RemoveAll(ws); err != nil {
		return "", fmt.Errorf("remove stale workspace: %w", err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

func (p *Pipeline) release(ws string, log *slog.Logger) {
	if err := os.RemoveAll(ws); err != nil {
		log.Error("failed to release workspace", slog.String("workspace", ws), slog.String("error", err.Error()))
		return
	}
	// Fails while another attempt of the job still owns a directory.
	_ = os.Remove(filepath.Dir(ws))
}

// Sweep removes attempt workspaces untouched for longer than maxAge, along
// with job directories left empty. maxAge must exceed the job timeout.
func (p *Pipeline) Sweep(maxAge time.Duration) (int, error) {
	jobs, err := os.ReadDir(p.workspaceRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	var removed int
	var errs []error
	for _, j := range jobs {
		if !j.IsDir() {
			continue
		}
		jobDir := filepath.Join(p.workspaceRoot, j.Name())
		attempts, err := os.ReadDir(jobDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, a := range attempts {
			if !a.IsDir() || !strings.HasPrefix(a.Name(), attemptDirPrefix) {
				continue
			}
			info, err := a.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(jobDir, a.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
		_ = os.Remove(jobDir)
	}
	return removed, errors.Join(errs...)
}

func (p *Pipeline) validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("compiler produced no output")
		}
		return fmt.Errorf("stat output: %w", err)
	}
	switch {
	case !info.Mode().IsRegular():
		return errors.New("output is not a regular file")
	case info.Size() == 0:
		return errors.New("output is empty")
	case info.Size() < p.minMeshBytes:
		return fmt.Errorf("output is suspiciously small (%d bytes)", info.Size())
	}
	return nil
}

type metadata struct {
	JobID       string                `json:"jobId"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Generator   string                `json:"generator"`
	Attempt     int                   `json:"attempt"`
	Specs       []domain.GeometrySpec `json:"specs"`
}

func (p *Pipeline) writeArchive(dst string, job *domain.Job, meshes []string) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()

	modified := p.now().UTC()
	zw := zip.NewWriter(f)
	for _, mesh := range meshes {
		if err := addFile(zw, mesh, modified); err != nil {
			return err
		}
	}

	meta, err := json.MarshalIndent(metadata{
		JobID:       job.ID,
		GeneratedAt: modified,
		Generator:   p.generator,
		Attempt:     job.Attempts,
		Specs:       job.Payload.Specs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "metadata.json", Method: zip.Deflate, Modified: modified})
	if err != nil {
		return fmt.Errorf("add metadata: %w", err)
	}
	if _, err := w.Write(meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path string, modified time.Time) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mesh: %w", err)
	}
	defer in.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(path), Method: zip.Deflate, Modified: modified})
	if err != nil {
		return fmt.Errorf("add %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// meshName is the per-spec file name, also used inside archives.
func meshName(i int, spec domain.GeometrySpec) string {
	return fmt.Sprintf("%02d-%s%s", i+1, spec.FileStem(), artifact.MeshExt)
}

func classify(ctx context.Context, spec int, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &domain.ExecutionError{Kind: domain.FailureTimeout, Spec: spec, Err: err}
	case errors.Is(ctx.Err(), context.Canceled):
		return &domain.ExecutionError{Kind: domain.FailureCancelled, Spec: spec, Err: err}
	default:
		return &domain.ExecutionError{Kind: domain.FailureCompiler, Spec: spec, Err: err}
	}
}
