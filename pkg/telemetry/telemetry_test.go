package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ramiqadoumi/go-part-flow/internal/version"
)

func TestServiceResource(t *testing.T) {
	res := serviceResource(context.Background(), "worker")

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "worker", name.AsString())

	ns, _ := res.Set().Value(semconv.ServiceNamespaceKey)
	assert.Equal(t, ServiceNamespace, ns.AsString())

	ver, _ := res.Set().Value(semconv.ServiceVersionKey)
	assert.Equal(t, version.Version, ver.AsString())
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "worker", "")
	require.NoError(t, err)
	shutdown()
}
