// Package telemetry provides shared OTel tracer initialization and the
// span helpers used for agent observability sessions.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set.
// Without it a no-op tracer is used (zero overhead).
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce       sync.Once
	serviceName    = "agentica-server"
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
	propagator     = propagation.TraceContext{}
)

// SetServiceName overrides the service.name resource attribute. Must be
// called before the first Tracer call to take effect.
func SetServiceName(name string) {
	if name != "" {
		serviceName = name
	}
}

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// ExtractTraceContext reads W3C trace context headers (as carried on the
// /socket upgrade request) into a context.
func ExtractTraceContext(ctx context.Context, header http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(header))
}

// CaptureContent reports whether prompt/completion content may be recorded
// into span attributes.
func CaptureContent() bool {
	switch strings.ToLower(os.Getenv("OTEL_GENAI_CAPTURE_CONTENT")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// StartAgentSession opens the per-agent observability session span. It is
// opened lazily on the first Invoke for a uid and ended on multiplexer stop.
func StartAgentSession(ctx context.Context, uid, cid string) (context.Context, trace.Span) {
	return Tracer("agentica.session").Start(ctx, "agent_session",
		trace.WithAttributes(
			attribute.String("agentica.uid", uid),
			attribute.String("agentica.cid", cid),
		))
}

// StartInvocation opens a per-invocation span under the agent session.
func StartInvocation(ctx context.Context, uid, iid string) (context.Context, trace.Span) {
	return Tracer("agentica.invocation").Start(ctx, "invocation",
		trace.WithAttributes(
			attribute.String("agentica.uid", uid),
			attribute.String("agentica.iid", iid),
		))
}

// RecordContent attaches content to a span only when capture is enabled.
func RecordContent(span trace.Span, key, content string) {
	if !CaptureContent() {
		return
	}
	span.SetAttributes(attribute.String(key, content))
}
