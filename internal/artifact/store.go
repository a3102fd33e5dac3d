// Package artifact is the directory-addressed blob area holding one
// finished artifact per job id.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

const (
	// MeshExt is used when a job produced exactly one mesh.
	MeshExt = ".stl"
	// ArchiveExt is used when a job produced several meshes.
	ArchiveExt = ".zip"

	// Temporary files are hidden until they are renamed into place.
	tmpPrefix = "."
)

// Extensions is the resolution priority: single-item before archive.
var Extensions = []string{MeshExt, ArchiveExt}

// Retention bounds how long artifacts are kept. Zero disables a bound.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
}

// Store keeps artifacts under Dir as <job id><ext>.
type Store struct {
	dir       string
	retention Retention
	now       func() time.Time
}

// NewStore creates dir if needed.
func NewStore(dir string, retention Retention) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir, retention: retention, now: time.Now}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where the artifact named ref lives. ref must be a bare file name.
func (s *Store) Path(ref string) string {
	return filepath.Join(s.dir, filepath.Base(ref))
}

// Publish copies src into the store as <jobID><ext> and returns the
// reference. The bytes are written to a temporary file first and renamed
// into place, so readers never observe a partial artifact. Publishing the
// same id again replaces the previous artifact.
func (s *Store) Publish(jobID, ext, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open packaged artifact: %w", err)
	}
	defer in.Close()

	ref := jobID + ext
	pf, err := renameio.NewPendingFile(filepath.Join(s.dir, ref),
		renameio.WithTempDir(s.dir),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	if _, err := io.Copy(pf, in); err != nil {
		return "", fmt.Errorf("write temp artifact: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	// The rename only survives a crash once the directory entry is on disk.
	if err := syncDir(s.dir); err != nil {
		return "", fmt.Errorf("sync artifact dir: %w", err)
	}
	return ref, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Resolve returns the path of jobID's artifact, probing Extensions in
// order. Returns JobNotFoundError when no artifact exists.
func (s *Store) Resolve(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID != filepath.Base(jobID) {
		return "", &domain.JobNotFoundError{JobID: jobID}
	}
	for _, ext := range Extensions {
		p := filepath.Join(s.dir, jobID+ext)
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat artifact: %w", err)
		}
	}
	return "", &domain.JobNotFoundError{JobID: jobID}
}

type storedFile struct {
	path    string
	modTime time.Time
}

// Prune applies the retention policy and returns how many files it removed.
// Abandoned temporary files older than MaxAge are removed as well.
func (s *Store) Prune() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read artifact dir: %w", err)
	}
	now := s.now()
	removed := 0
	var kept []storedFile
	var errs []error

	remove := func(p string) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			return
		}
		removed++
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		expired := s.retention.MaxAge > 0 && now.Sub(info.ModTime()) > s.retention.MaxAge
		if expired {
			remove(p)
			continue
		}
		if !strings.HasPrefix(e.Name(), tmpPrefix) {
			kept = append(kept, storedFile{path: p, modTime: info.ModTime()})
		}
	}

	if s.retention.MaxCount > 0 && len(kept) > s.retention.MaxCount {
		sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
		for _, f := range kept[:len(kept)-s.retention.MaxCount] {
			remove(f.path)
		}
	}
	return removed, errors.Join(errs...)
}
