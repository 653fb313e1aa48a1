// Package tracing installs the OpenTelemetry tracer provider. Components
// create spans through otel.Tracer, so tracing stays a no-op until Init
// enables it.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

// Config selects where spans go.
type Config struct {
	Enabled        bool
	Output         string // File path, empty is stdout
	ServiceName    string
	ServiceVersion string
}

// Init installs a global tracer provider writing spans with the stdout
// exporter. A disabled config installs nothing and returns a no-op shutdown.
func Init(cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var (
		w    io.Writer = os.Stdout
		file *os.File
	)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		w, file = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		closeFile(file)
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp, err := NewProvider(cfg, exporter)
	if err != nil {
		closeFile(file)
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if file != nil {
			if cerr := file.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

// NewProvider builds a provider around exporter without installing it.
func NewProvider(cfg Config, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "devorch"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", name),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
