// Package observability sets up OpenTelemetry tracing for the console.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/milan604/rtl433dp-console/pkg/config"
	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/version"
)

const shutdownTimeout = 5 * time.Second

// Tracing is what the rest of the console needs from the tracing setup.
type Tracing interface {
	StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	TracerProvider() trace.TracerProvider
	Shutdown(ctx context.Context) error
}

// Observability owns the process tracer provider.
type Observability struct {
	provider    *sdktrace.TracerProvider
	tracer      trace.Tracer
	log         logger.LogManager
	serviceName string
	exporting   bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	sampler  sdktrace.Sampler
}

// WithExporter replaces the OTLP exporter, for example with an in-memory one in tests.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

func WithSampler(s sdktrace.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// New installs a tracer provider and the W3C propagators as the otel
// globals. Spans are exported over OTLP/HTTP when s.Endpoint is set and are
// dropped otherwise, so propagation to the backend keeps working either way.
func New(ctx context.Context, serviceName string, s config.TracingSettings, log logger.LogManager, opts ...Option) (*Observability, error) {
	log = logger.OrNop(log)
	if serviceName == "" {
		serviceName = "rtl433dp-console"
	}
	o := options{sampler: sdktrace.ParentBased(sdktrace.AlwaysSample())}
	for _, fn := range opts {
		fn(&o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if o.exporter == nil && s.Endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(s.Endpoint)}
		if s.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		o.exporter, err = otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: otlp exporter: %w", err)
		}
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(o.sampler),
	}
	if o.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(o.exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if o.exporter != nil {
		log.InfoF("tracing enabled: service=%s endpoint=%s", serviceName, s.Endpoint)
	} else {
		log.DebugF("tracing: no exporter configured, spans are not exported")
	}

	return &Observability{
		provider:    tp,
		tracer:      tp.Tracer(serviceName, trace.WithInstrumentationVersion(version.Version)),
		log:         log,
		serviceName: serviceName,
		exporting:   o.exporter != nil,
	}, nil
}

func (o *Observability) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, opts...)
}

func (o *Observability) TracerProvider() trace.TracerProvider { return o.provider }

func (o *Observability) ServiceName() string { return o.serviceName }

// Exporting reports whether spans leave the process.
func (o *Observability) Exporting() bool { return o.exporting }

// ForceFlush exports every finished span still buffered.
func (o *Observability) ForceFlush(ctx context.Context) error {
	return o.provider.ForceFlush(ctx)
}

// Shutdown flushes pending spans and stops the exporter.
func (o *Observability) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		o.log.ErrorF("tracing shutdown: %v", err)
		return err
	}
	return nil
}
