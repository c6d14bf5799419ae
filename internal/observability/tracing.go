package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/strand"

// StartSpan starts a span on the runtime's tracer. The caller must End the
// returned span on every exit path.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// ProviderAttrs returns standard span attributes for a provider call.
func ProviderAttrs(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	}
}

// ToolAttrs returns standard span attributes for a tool execution.
func ToolAttrs(tool, callID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool.name", tool),
		attribute.String("tool.call_id", callID),
	}
}
