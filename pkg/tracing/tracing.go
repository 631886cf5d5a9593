// Package tracing sets up OpenTelemetry export to Jaeger and provides span
// helpers for the rendezvous server, peer negotiation and recording.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "instacast"

// TracerProvider owns the SDK provider installed by Init. The zero value,
// returned when tracing is disabled, shuts down as a no-op.
type TracerProvider struct {
	sdk *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Init installs a Jaeger-backed provider and W3C propagation as the otel
// globals. With tracing disabled the globals keep their no-op defaults.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	provider := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &TracerProvider{sdk: provider}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanAttributes annotates the span in ctx, if it is sampled.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError attaches err to the span in ctx and marks the span failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	PeerIDKey       = attribute.Key("peer.id")
	RemotePeerIDKey = attribute.Key("peer.remote_id")
	ConnectionIDKey = attribute.Key("connection.id")
	ConnectionKind  = attribute.Key("connection.kind")
	RoleKey         = attribute.Key("session.role")
	MimeTypeKey     = attribute.Key("recording.mime_type")
	TrackCountKey   = attribute.Key("recording.tracks")
	MessageTypeKey  = attribute.Key("signal.message_type")
)

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(semconv.HTTPMethodKey.String(method), semconv.HTTPRouteKey.String(route)),
	)
}

// TraceWebSocketMessage covers handling of one rendezvous message.
func TraceWebSocketMessage(ctx context.Context, messageType, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+messageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(MessageTypeKey.String(messageType), PeerIDKey.String(peerID)),
	)
}

// TraceWebRTC covers one negotiation step with a remote peer.
func TraceWebRTC(ctx context.Context, operation, remotePeer, connectionID, kind string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webrtc."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			RemotePeerIDKey.String(remotePeer),
			ConnectionIDKey.String(connectionID),
			ConnectionKind.String(kind),
		),
	)
}

func TraceSession(ctx context.Context, operation, role string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+operation, trace.WithAttributes(RoleKey.String(role)))
}

func TraceRecording(ctx context.Context, operation, mimeType string, tracks int) (context.Context, trace.Span) {
	return StartSpan(ctx, "recording."+operation,
		trace.WithAttributes(MimeTypeKey.String(mimeType), TrackCountKey.Int(tracks)),
	)
}

// TraceDatabaseOperation covers one host directory call.
func TraceDatabaseOperation(ctx context.Context, operation, collection string) (context.Context, trace.Span) {
	return StartSpan(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.collection", collection),
		),
	)
}
