// Package telemetry installs the process-wide tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the provider installed by Setup.
type Shutdown func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup exports spans to w when enabled. When disabled the global no-op
// provider is left in place and the returned Shutdown does nothing.
func Setup(enabled bool, w io.Writer) (Shutdown, error) {
	if !enabled {
		return noopShutdown, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
