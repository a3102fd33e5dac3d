package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

type published struct {
	topic, key string
	value      []byte
}

type fakeProducer struct{ msgs []published }

func (f *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	f.msgs = append(f.msgs, published{topic, key, value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "a")
	c.Set("baggage", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "b", c.Get("baggage"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, c.Keys())
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	p := &fakeProducer{}
	pub := NewEventPublisher(p)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := domain.Event{Type: domain.EventRetrying, JobID: "job-1", Attempt: 2, Error: "compiler failure: exit 1", At: at}
	require.NoError(t, pub.Emit(context.Background(), ev))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, TopicJobEvents, p.msgs[0].topic)
	assert.Equal(t, "job-1", p.msgs[0].key, "events are keyed by job id")

	got, err := DecodeEvent(Message{Value: p.msgs[0].value})
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	_, err := DecodeEvent(Message{Value: []byte("{"), Offset: 7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 7")
}

func TestTraceHeaders_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "emit")
	defer span.End()

	headers := traceHeaders(ctx)
	parent := HeaderCarrier(headers).Get("traceparent")
	require.NotEmpty(t, parent)
	assert.Contains(t, parent, span.SpanContext().TraceID().String())

	continued := withTrace(context.Background(), headers)
	assert.Equal(t, parent, HeaderCarrier(traceHeaders(continued)).Get("traceparent"))
}

func TestTraceHeaders_NoSpan(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	assert.Empty(t, traceHeaders(context.Background()))
}
