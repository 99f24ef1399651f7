package otel

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

type ctxKey int

const tracerKey ctxKey = 1

// endpointExcluder drops spans for noisy routes such as health checks and
// samples the rest by probability.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{endpoints: endpoints, probability: probability}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (ee endpointExcluder) ShouldSample(parameters sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if ee.excluded(parameters.Attributes) {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return sdktrace.TraceIDRatioBased(ee.probability).ShouldSample(parameters)
}

// Description implements the sdktrace.Sampler interface.
func (ee endpointExcluder) Description() string { return "customSampler" }

func (ee endpointExcluder) excluded(attrs []attribute.KeyValue) bool {
	for _, attr := range attrs {
		switch attr.Key {
		case semconv.HTTPTargetKey, "url.path":
			if _, ok := ee.endpoints[attr.Value.AsString()]; ok {
				return true
			}
		}
	}
	return false
}
