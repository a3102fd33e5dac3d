package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-part-flow/internal/artifact"
	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/intake"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const metricSpec = `{"orientation":"vertical","outerDiameter":{"value":17.5,"unit":"mm"},"isMetric":true,"nominalMetric":10}`

type harness struct {
	srv   *httptest.Server
	queue *queue.Memory
	store *artifact.Store
}

// newIntake wires an intake service over an in-memory queue; ids are job-1, job-2, ...
func newIntake(t *testing.T, opts ...intake.Option) (*queue.Memory, *artifact.Store, *intake.Service) {
	t.Helper()
	q := queue.NewMemory(queue.DefaultConfig())
	store, err := artifact.NewStore(t.TempDir(), artifact.Retention{})
	require.NoError(t, err)

	var seq atomic.Int64
	opts = append([]intake.Option{
		intake.WithLogger(discardLogger),
		intake.WithIDGenerator(func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }),
	}, opts...)
	return q, store, intake.New(q, store, opts...)
}

func newHarness(t *testing.T, ready ReadyFunc, opts ...intake.Option) *harness {
	t.Helper()
	q, store, svc := newIntake(t, opts...)

	r := chi.NewRouter()
	NewREST(svc, ready, discardLogger).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, queue: q, store: store}
}

func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// finish claims the next job and completes it with an artifact of ext.
func (h *harness) finish(t *testing.T, ext string, content []byte) {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	src := filepath.Join(t.TempDir(), "out"+ext)
	require.NoError(t, os.WriteFile(src, content, 0o644))
	ref, err := h.store.Publish(job.ID, ext, src)
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(ctx, job.ID, job.Token, ref))
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitJob_Accepted(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/api/v1/jobs", metricSpec)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/jobs/job-1", resp.Header.Get("Location"))
	st := decodeBody[intake.JobStatus](t, resp)
	assert.Equal(t, "job-1", st.ID)
	assert.Equal(t, domain.StatusPending, st.Status)
	assert.Equal(t, 1, st.Specs)
}

func TestSubmitBatch_Accepted(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"specs":[` + metricSpec + `,` + metricSpec + `]}`
	resp := h.do(t, http.MethodPost, "/api/v1/jobs/batch", body)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, decodeBody[intake.JobStatus](t, resp).Specs)
}

func TestSubmit_BadRequests(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/api/v1/jobs", `{"orientation":`},
		{"unknown field", "/api/v1/jobs", `{"colour":"red"}`},
		{"invalid spec", "/api/v1/jobs", `{"orientation":"diagonal","outerDiameter":{"value":1,"unit":"mm"},"isMetric":true,"nominalMetric":5}`},
		{"empty batch", "/api/v1/jobs/batch", `{"specs":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[map[string]string](t, resp)["error"])
		})
	}
}

func TestGetJobStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/v1/jobs", metricSpec)

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[intake.JobStatus](t, resp)
	require.NotNil(t, st.Progress)
	assert.Equal(t, domain.StepQueued, st.Progress.Step)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadArtifact(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/v1/jobs", metricSpec)

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/job-1/download", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending jobs have nothing to download")

	mesh := []byte("solid socket\nendsolid socket\n")
	h.finish(t, artifact.MeshExt, mesh)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/job-1/download", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "model/stl", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="job-1.stl"`, resp.Header.Get("Content-Disposition"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, mesh, got)
}

func TestDownloadArtifact_Archive(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/v1/jobs/batch", `{"specs":[`+metricSpec+`,`+metricSpec+`]}`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("01-socket.stl")
	require.NoError(t, err)
	_, _ = f.Write([]byte("solid a"))
	require.NoError(t, zw.Close())
	h.finish(t, artifact.ArchiveExt, buf.Bytes())

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/job-1/download", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "job-1.zip")
}

func TestDownloadArtifact_MissingFileIsServerError(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/v1/jobs", metricSpec)
	h.finish(t, artifact.MeshExt, []byte("solid"))
	require.NoError(t, os.Remove(filepath.Join(h.store.Dir(), "job-1.stl")))

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/job-1/download", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/v1/jobs", metricSpec)

	resp := h.do(t, http.MethodDelete, "/api/v1/jobs/job-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/job-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.do(t, http.MethodPost, "/api/v1/jobs", metricSpec)
	h.finish(t, artifact.MeshExt, []byte("solid"))
	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/job-2", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

type staticHistory []*domain.Attempt

func (s staticHistory) ListAttempts(context.Context, string) ([]*domain.Attempt, error) {
	return s, nil
}

func TestListAttempts(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/api/v1/jobs/job-1/attempts", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	h = newHarness(t, nil, intake.WithHistory(staticHistory{
		{JobID: "job-1", Attempt: 1, Status: domain.StatusFailed, Error: "compiler failure"},
	}))
	resp = h.do(t, http.MethodGet, "/api/v1/jobs/job-1/attempts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[AttemptsResponse](t, resp)
	assert.Equal(t, "job-1", body.JobID)
	require.Len(t, body.Attempts, 1)
	assert.Equal(t, "compiler failure", body.Attempts[0].Error)
}

func TestHealthEndpoints(t *testing.T) {
	var down atomic.Bool
	h := newHarness(t, func(context.Context) error {
		if down.Load() {
			return errors.New("redis unreachable")
		}
		return nil
	})

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").StatusCode)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "").StatusCode)

	down.Store(true)
	resp := h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, decodeBody[map[string]string](t, resp)["error"], "redis unreachable")
}
