package kafka

import (
	"context"
	"slices"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier lets the OpenTelemetry propagator read and write trace
// context in Kafka message headers.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	if i := slices.IndexFunc(c, func(h segkafka.Header) bool { return h.Key == key }); i >= 0 {
		return string(c[i].Value)
	}
	return ""
}

// Set replaces any header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	*c = slices.DeleteFunc(*c, func(h segkafka.Header) bool { return h.Key == key })
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

// traceHeaders returns the headers carrying the span context of ctx.
func traceHeaders(ctx context.Context) []segkafka.Header {
	var c HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// withTrace returns ctx continuing the trace found in headers, if any.
func withTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	c := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
