// Package traces wires OpenTelemetry spans around escrow requests. Both roles
// tag their spans with the same attribute keys so a trade can be followed
// from the client call into the agent that served it.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/lnescrow"

// Init installs an OTLP/gRPC tracer provider for serviceName. An empty
// endpoint leaves the global no-op provider in place. The returned function
// flushes pending spans.
func Init(ctx context.Context, otlpEndpoint, serviceName string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "hint", "set OTEL_EXPORTER_OTLP_ENDPOINT")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", otlpEndpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// StartSpan starts a span from the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func TradeID(id string) attribute.KeyValue {
	return attribute.String("escrow.trade_id", id)
}

func Method(m string) attribute.KeyValue {
	return attribute.String("escrow.method", m)
}

// Role is "agent", "maker" or "taker".
func Role(role string) attribute.KeyValue {
	return attribute.String("escrow.role", role)
}

func PeerKey(pubkey string) attribute.KeyValue {
	return attribute.String("nostr.peer", pubkey)
}

func AmountSat(sat int64) attribute.KeyValue {
	return attribute.Int64("escrow.amount_sat", sat)
}
