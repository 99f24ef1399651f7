package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestEndpointExcluder(t *testing.T) {
	t.Parallel()

	ee := newEndpointExcluder(map[string]struct{}{"/v1/health": {}}, 1.0)
	traceID := trace.TraceID{1, 2, 3}

	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  sdktrace.SamplingDecision
	}{
		{name: "excluded by http.target", attrs: []attribute.KeyValue{attribute.String("http.target", "/v1/health")}, want: sdktrace.Drop},
		{name: "excluded by url.path", attrs: []attribute.KeyValue{attribute.String("url.path", "/v1/health")}, want: sdktrace.Drop},
		{name: "other route sampled", attrs: []attribute.KeyValue{attribute.String("url.path", "/v1/sources")}, want: sdktrace.RecordAndSample},
		{name: "no attributes sampled", want: sdktrace.RecordAndSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := ee.ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       traceID,
				Name:          "request",
				Attributes:    tt.attrs,
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestAddSpanUsesInjectedTracer(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	ctx := InjectTracing(context.Background(), tp.Tracer("test"))

	ctx, span := AddSpan(ctx, "unit", attribute.String("k", "v"))
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}
