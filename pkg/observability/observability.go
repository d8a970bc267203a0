// Package observability provides the OpenTelemetry tracer and meter used by
// the federation daemon, and the counters that track event dispatch and
// wrapper delivery.
//
// A disabled Provider still hands out working instruments backed by the
// global no-op providers, so callers never need to nil-check.
package observability

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nextcloud/circles-sub000"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Instance       string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns a disabled configuration pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "circlesd",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         zerolog.Logger

	eventsSubmitted metric.Int64Counter
	wrappersDone    metric.Int64Counter
	wrappersFailed  metric.Int64Counter
	wrappersDemoted metric.Int64Counter
	remoteDuration  metric.Float64Histogram
	activeDeliver   metric.Int64UpDownCounter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: log.With().Str("component", "observability").Logger(),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				attribute.String("circles.instance", config.Instance),
			),
		)
		if err != nil {
			return nil, errors.Wrap(err, "create resource")
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, errors.Wrap(err, "init trace provider")
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, errors.Wrap(err, "init metric provider")
		}
	} else {
		p.logger.Info().Msg("observability disabled")
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.tracerProvider != nil {
		p.tracer = p.tracerProvider.Tracer(instrumentationName)
	}
	if p.meterProvider != nil {
		p.meter = p.meterProvider.Meter(instrumentationName)
	}

	if err := p.initInstruments(); err != nil {
		return nil, errors.Wrap(err, "init instruments")
	}

	if config.Enabled {
		p.logger.Info().
			Str("endpoint", config.OTLPEndpoint).
			Float64("sample_rate", config.SampleRate).
			Msg("observability initialized")
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, "create trace exporter")
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, "create metric exporter")
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	if p.eventsSubmitted, err = p.meter.Int64Counter("circles.events.submitted",
		metric.WithDescription("Federated events submitted for dispatch"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.wrappersDone, err = p.meter.Int64Counter("circles.wrappers.done",
		metric.WithDescription("Wrappers delivered successfully"),
		metric.WithUnit("{wrapper}"),
	); err != nil {
		return err
	}
	if p.wrappersFailed, err = p.meter.Int64Counter("circles.wrappers.failed",
		metric.WithDescription("Wrapper delivery attempts that failed"),
		metric.WithUnit("{wrapper}"),
	); err != nil {
		return err
	}
	if p.wrappersDemoted, err = p.meter.Int64Counter("circles.wrappers.demoted",
		metric.WithDescription("Best-effort wrappers abandoned after a failure"),
		metric.WithUnit("{wrapper}"),
	); err != nil {
		return err
	}
	if p.remoteDuration, err = p.meter.Float64Histogram("circles.remote.duration",
		metric.WithDescription("Duration of signed calls to remote instances"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	); err != nil {
		return err
	}
	if p.activeDeliver, err = p.meter.Int64UpDownCounter("circles.wrappers.active",
		metric.WithDescription("Wrappers currently being delivered"),
		metric.WithUnit("{wrapper}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown trace provider"))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown meter provider"))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EventSubmitted counts one event entering dispatch.
func (p *Provider) EventSubmitted(ctx context.Context, class string, local bool) {
	if p == nil {
		return
	}
	p.eventsSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.Bool("local_owner", local),
	))
}

// WrapperDone counts a successful delivery.
func (p *Provider) WrapperDone(ctx context.Context, instance string) {
	if p == nil {
		return
	}
	p.wrappersDone.Add(ctx, 1, metric.WithAttributes(attribute.String("instance", instance)))
}

// WrapperFailed counts a failed delivery attempt.
func (p *Provider) WrapperFailed(ctx context.Context, instance, class string) {
	if p == nil {
		return
	}
	p.wrappersFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instance", instance),
		attribute.String("fault", class),
	))
}

// WrapperDemoted counts a best-effort wrapper that will not be retried.
func (p *Provider) WrapperDemoted(ctx context.Context, instance, class string) {
	if p == nil {
		return
	}
	p.wrappersDemoted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instance", instance),
		attribute.String("fault", class),
	))
}

// RemoteCall records the duration of one outbound call.
func (p *Provider) RemoteCall(ctx context.Context, instance, endpoint string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.remoteDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("instance", instance),
		attribute.String("endpoint", endpoint),
		attribute.Bool("error", err != nil),
	))
}

// TrackDelivery marks a wrapper as in flight; the returned function closes it.
func (p *Provider) TrackDelivery(ctx context.Context, instance string) func() {
	if p == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("instance", instance))
	p.activeDeliver.Add(ctx, 1, attrs)
	return func() {
		p.activeDeliver.Add(ctx, -1, attrs)
	}
}
