// Package telemetry owns the OpenTelemetry providers and the engine's metric instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Options selects which signals leave the process. Metrics are always served
// through the Prometheus registry.
type Options struct {
	Version string
	// ExportTraces writes spans to TraceWriter (stdout when nil)
	ExportTraces bool
	// ExportLogs writes log records to LogWriter (stdout when nil)
	ExportLogs  bool
	TraceWriter io.Writer
	LogWriter   io.Writer
}

// Telemetry holds the installed providers
type Telemetry struct {
	tp *trace.TracerProvider
	mp *sdkmetric.MeterProvider
	lp *sdklog.LoggerProvider
}

// Setup installs global tracer, meter and logger providers
func Setup(serviceName string, opts Options) (*Telemetry, error) {
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceNameKey.String(serviceName))}
	if opts.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersionKey.String(opts.Version)))
	}
	res, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(res, opts)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	lp, err := newLoggerProvider(res, opts)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	// instruments bind to the global delegating provider and follow mp from here on
	GetGlobalMetrics()

	return &Telemetry{tp: tp, mp: mp, lp: lp}, nil
}

func newTracerProvider(res *resource.Resource, opts Options) (*trace.TracerProvider, error) {
	tpOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if opts.ExportTraces {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(writerOrStdout(opts.TraceWriter)))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, trace.WithBatcher(exp))
	}
	return trace.NewTracerProvider(tpOpts...), nil
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res)), nil
}

func newLoggerProvider(res *resource.Resource, opts Options) (*sdklog.LoggerProvider, error) {
	lpOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if opts.ExportLogs {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(writerOrStdout(opts.LogWriter)))
		if err != nil {
			return nil, fmt.Errorf("log exporter: %w", err)
		}
		lpOpts = append(lpOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
	}
	return sdklog.NewLoggerProvider(lpOpts...), nil
}

// Shutdown flushes pending spans and records
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		wrap("tracer provider", t.tp.Shutdown(ctx)),
		wrap("meter provider", t.mp.Shutdown(ctx)),
		wrap("logger provider", t.lp.Shutdown(ctx)),
	)
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", what, err)
}

func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
