// Package observability sets up logging, tracing and metrics shared by all components.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const instrumentationName = "github.com/florianilch/stringart-drive"

// Exporters for logs and spans. ExporterNone keeps logs on the console only and
// records no spans.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Instrument installs the default slog logger writing to stderr in the given
// format ("text" or "json"). Unless exporter is ExporterNone, records are also
// exported through an OpenTelemetry log pipeline filtered at the same level, and
// a tracer provider exporting to the same destination is installed globally so
// log records carry the active trace and span IDs.
// OTLP exporters are configured by the standard OTEL_EXPORTER_OTLP_* variables.
//
// The returned function flushes and stops both pipelines.
func Instrument(ctx context.Context, level slog.Level, format, exporter string) (func(context.Context) error, error) {
	return instrument(ctx, os.Stderr, level, format, exporter)
}

func instrument(ctx context.Context, w io.Writer, level slog.Level, format, exporter string) (func(context.Context) error, error) {
	console, err := consoleHandler(w, level, format)
	if err != nil {
		return nil, err
	}

	if exporter == "" || exporter == ExporterNone {
		slog.SetDefault(slog.New(console))
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, exporter)
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", exporter, err)
	}
	spanExp, err := newSpanExporter(ctx, exporter)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("creating %s span exporter: %w", exporter, err),
			exp.Shutdown(ctx),
		)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spanExp))
	otel.SetTracerProvider(tracerProvider)

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(sdklog.NewBatchProcessor(exp), severity(level))),
	)
	global.SetLoggerProvider(loggerProvider)

	otelHandler := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(loggerProvider))
	slog.SetDefault(slog.New(fanout{console, otelHandler}))

	return func(ctx context.Context) error {
		// Spans first so records logged while they end still reach the log pipeline
		return errors.Join(tracerProvider.Shutdown(ctx), loggerProvider.Shutdown(ctx))
	}, nil
}

func consoleHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newExporter(ctx context.Context, exporter string) (sdklog.Exporter, error) {
	switch exporter {
	case ExporterStdout:
		return stdoutlog.New()
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", exporter)
	}
}

func newSpanExporter(ctx context.Context, exporter string) (sdktrace.SpanExporter, error) {
	switch exporter {
	case ExporterStdout:
		return stdouttrace.New()
	case ExporterOTLPHTTP:
		return otlptracehttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlptracegrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported span exporter: %s", exporter)
	}
}

func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// fanout passes every record to all handlers that accept its level.
type fanout []slog.Handler

// Compile-time check that fanout implements slog.Handler
var _ slog.Handler = fanout(nil)

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
