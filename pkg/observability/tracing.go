package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// otelSpanWrapper adapts an OpenTelemetry span to the Span interface.
type otelSpanWrapper struct {
	span trace.Span
}

func (o *otelSpanWrapper) End() { o.span.End() }

func (o *otelSpanWrapper) SetStatus(code int, description string) {
	var statusCode codes.Code
	switch code {
	case 1:
		statusCode = codes.Ok
	case 2:
		statusCode = codes.Error
	default:
		statusCode = codes.Unset
	}
	o.span.SetStatus(statusCode, description)
}

func (o *otelSpanWrapper) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	default:
		o.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (o *otelSpanWrapper) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	o.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (o *otelSpanWrapper) RecordError(err error) {
	o.span.RecordError(err)
}

func (o *otelSpanWrapper) SpanContext() trace.SpanContext {
	return o.span.SpanContext()
}

var (
	globalTracer     trace.Tracer
	globalTracerInit bool
)

// InitTracing configures the global tracer. With tracing disabled it
// installs a no-op tracer. With tracing enabled it installs an SDK tracer
// provider with no span processor attached, so spans are created and
// populated but never exported. StartSpan call sites are identical either
// way.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		globalTracer = trace.NewNoopTracerProvider().Tracer("")
		globalTracerInit = true
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "symbolcache"
	}
	environment := cfg.Environment
	if environment == "" {
		environment = "development"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	globalTracer = tp.Tracer(serviceName)
	globalTracerInit = true

	return tp.Shutdown, nil
}

// GetTracer returns the global tracer, defaulting to a no-op tracer if
// InitTracing was never called.
func GetTracer() trace.Tracer {
	if !globalTracerInit {
		return trace.NewNoopTracerProvider().Tracer("")
	}
	return globalTracer
}

// StartSpan starts a span under the global tracer.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := GetTracer().Start(ctx, name)
	return ctx, &otelSpanWrapper{span: span}
}
