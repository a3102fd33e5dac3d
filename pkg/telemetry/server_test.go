package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func get(t *testing.T, url string) int {
	t.Helper()
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(url) //nolint:noctx
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestStartMetricsServer_Readiness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var down atomic.Bool
	addr := freeAddr(t)
	StartMetricsServer(ctx, addr, slog.New(slog.NewTextHandler(io.Discard, nil)), func(context.Context) error {
		if down.Load() {
			return errors.New("redis down")
		}
		return nil
	})

	base := fmt.Sprintf("http://%s", addr)
	assert.Equal(t, http.StatusOK, get(t, base+"/healthz"))
	assert.Equal(t, http.StatusOK, get(t, base+"/readyz"))
	assert.Equal(t, http.StatusOK, get(t, base+"/metrics"))

	down.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, base+"/readyz"))
}
