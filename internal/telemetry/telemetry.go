// Package telemetry installs the OpenTelemetry providers.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects which signals are exported.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Metrics        bool          `mapstructure:"metrics"`
	ServiceName    string        `mapstructure:"service_name"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// DefaultConfig has tracing off.
func DefaultConfig() Config {
	return Config{ServiceName: "birdtrade", MetricInterval: time.Minute}
}

// Setup installs global tracer and meter providers writing to w (stdout when
// nil). The returned func flushes and shuts them down.
func Setup(ctx context.Context, cfg Config, w io.Writer) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return shutdown, nil
	}
	if w == nil {
		w = os.Stdout
	}

	res := resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName))

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return shutdown, err
	}
	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	if cfg.Metrics {
		metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = time.Minute
		}
		meterProvider := metric.NewMeterProvider(
			metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(interval))),
			metric.WithResource(res),
		)
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return shutdown, nil
}
