package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer opens spans for experiment runs and backend calls. A nil *Tracer is
// valid and records nothing.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "modeldeck",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceExperiment(ctx, exp.Model, exp.Version, exp.ID)
//	defer span.End()
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig configures OTLP export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	// Environment is recorded as deployment.environment when set.
	Environment string
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string
	// SamplingRate is the sampled fraction of root spans; 0 means 1.0.
	SamplingRate float64
	// EnableInsecure dials the collector without TLS.
	EnableInsecure bool
}

// NewTracer builds a tracer and the shutdown func that flushes it. Without an
// endpoint, or when the exporter cannot be built, spans are no-ops.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "modeldeck"
	}
	disabled := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return NewTracerFromProvider(noop.NewTracerProvider(), config.ServiceName), disabled
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return NewTracerFromProvider(noop.NewTracerProvider(), config.ServiceName), disabled
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(config)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(config.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTracerFromProvider(provider, config.ServiceName), provider.Shutdown
}

// NewTracerFromProvider wraps an existing provider, e.g. a span recorder in
// tests.
func NewTracerFromProvider(provider trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: provider.Tracer(name)}
}

func serviceResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(config.ServiceName)}
	if config.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(config.ServiceVersion))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span of the given kind.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceExperiment opens the span covering one experiment run.
func (t *Tracer) TraceExperiment(ctx context.Context, model, version, experimentID string) (context.Context, trace.Span) {
	return t.Start(ctx, "experiment.stream", trace.SpanKindClient,
		attribute.String("model.name", model),
		attribute.String("model.version", version),
		attribute.String("experiment.id", experimentID),
	)
}

// TraceBackendRequest opens a span for one REST call to the serving backend.
func (t *Tracer) TraceBackendRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.Start(ctx, "backend."+method+" "+route, trace.SpanKindClient,
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)
}

// RecordError marks span as failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds a named event with key/value attributes.
//
//	tracer.AddEvent(span, "first_fragment", "latency_ms", 120)
func (t *Tracer) AddEvent(span trace.Span, name string, keyvals ...any) {
	span.AddEvent(name, trace.WithAttributes(keyvalAttributes(keyvals)...))
}

// SetAttributes sets key/value attributes on span. Non-string keys and a
// trailing odd value are skipped.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	span.SetAttributes(keyvalAttributes(keyvals)...)
}

func keyvalAttributes(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			attrs = append(attrs, attributeFromValue(key, keyvals[i+1]))
		}
	}
	return attrs
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// GetTraceID returns the active trace id in ctx, or "".
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
