package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the process tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of hits traced; zero or less traces all.
	SampleRatio float64
	// File receives finished spans as JSON lines. Empty keeps spans in
	// process only, which still gives logs and audit entries a trace id.
	File string
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
	spanFile   io.Closer
)

// InitOpenTelemetry installs a process-wide tracer provider. Calling it
// again before ShutdownOpenTelemetry is a no-op.
func InitOpenTelemetry(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return fmt.Errorf("failed to build resource: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}

	var f *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("failed to create span directory: %w", err)
		}
		f, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open span file: %w", err)
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to create span exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	if f != nil {
		spanFile = f
	}
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes pending spans and removes the provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp, f := provider, spanFile
	provider, spanFile = nil, nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}

	err := tp.Shutdown(ctx)
	if f != nil {
		err = errors.Join(err, f.Close())
	}
	return err
}

// StartSpan starts a span and records its trace id in ctx when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
