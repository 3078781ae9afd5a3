package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws-observability/aws-otel-go/exporters/xrayudp"
	"github.com/go-logr/logr"
	lambdadetector "go.opentelemetry.io/contrib/detectors/aws/lambda"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnsupported is returned for unknown Config values.
var ErrUnsupported = errors.New("unsupported tracing configuration")

type Option interface {
	apply(*options)
}

type options struct {
	log        logr.Logger
	exporter   sdktrace.SpanExporter
	writer     io.Writer
	attrs      []attribute.KeyValue
	skipDetect bool
}

type loggerOption struct {
	log logr.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.log = o.log
}

func WithLogger(log logr.Logger) Option {
	return loggerOption{log}
}

type exporterOption struct {
	exporter sdktrace.SpanExporter
}

func (o exporterOption) apply(opts *options) {
	opts.exporter = o.exporter
}

// WithExporter overrides the exporter selected by Config.Exporter.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return exporterOption{exporter}
}

type writerOption struct {
	w io.Writer
}

func (o writerOption) apply(opts *options) {
	opts.writer = o.w
}

// WithWriter sets the destination of the console exporter. os.Stdout is used by default.
func WithWriter(w io.Writer) Option {
	return writerOption{w}
}

type attributesOption []attribute.KeyValue

func (o attributesOption) apply(opts *options) {
	opts.attrs = append(opts.attrs, o...)
}

// WithAttributes adds resource attributes, e.g. cloud.account.id received from the Extensions API.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return attributesOption(attrs)
}

type skipDetectOption bool

func (o skipDetectOption) apply(opts *options) {
	opts.skipDetect = bool(o)
}

// WithoutLambdaDetector disables the Lambda resource detector.
func WithoutLambdaDetector() Option {
	return skipDetectOption(true)
}

// Provider owns the process-wide tracer provider and propagator.
type Provider struct {
	tp         *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
	log        logr.Logger
}

// NewProvider creates Provider from cfg.
func NewProvider(ctx context.Context, cfg *Config, opts ...Option) (*Provider, error) {
	options := options{
		log:    logr.FromContextOrDiscard(ctx),
		writer: os.Stdout,
	}
	for _, o := range opts {
		o.apply(&options)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exporter := options.exporter
	if exporter == nil {
		var err error
		exporter, err = newExporter(ctx, cfg, options.writer)
		if err != nil {
			return nil, fmt.Errorf("could not create %s exporter: %w", cfg.Exporter, err)
		}
	}

	res, err := newResource(ctx, cfg, options)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithIDGenerator(xray.NewIDGenerator()),
		// keep the sampling decision of the caller's segment
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if exporter != nil {
		switch cfg.SpanProcessor {
		case SpanProcessorBatch:
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		default:
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
		}
	}

	p := &Provider{
		tp:         sdktrace.NewTracerProvider(tpOpts...),
		propagator: newPropagator(cfg.Propagator),
		log:        options.log,
	}
	options.log.Info(
		"tracer provider configured",
		"propagator", cfg.Propagator,
		"exporter", cfg.Exporter,
		"spanProcessor", cfg.SpanProcessor,
		"serviceName", cfg.ServiceName,
	)

	return p, nil
}

func newExporter(ctx context.Context, cfg *Config, w io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterConsole:
		opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
		if cfg.ConsolePretty {
			opts = append(opts, stdouttrace.WithPrettyPrint())
		}

		return stdouttrace.New(opts...)
	case ExporterUDP:
		return xrayudp.NewSpanExporter(ctx)
	case ExporterOTLP:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpointURL(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		return otlptracehttp.New(ctx, opts...)
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: exporter %q", ErrUnsupported, cfg.Exporter)
	}
}

// newPropagator returns nil for PropagatorNone.
func newPropagator(typ PropagatorType) propagation.TextMapPropagator {
	switch typ {
	case PropagatorXRay:
		return xray.Propagator{}
	case PropagatorW3C:
		return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	default:
		return nil
	}
}

func newResource(ctx context.Context, cfg *Config, options options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	}
	attrs = append(attrs, options.attrs...)
	custom := resource.NewSchemaless(attrs...)
	if options.skipDetect {
		return custom, nil
	}

	detected, err := lambdadetector.NewResourceDetector().Detect(ctx)
	if err != nil {
		// the detector fails outside of Lambda, e.g. in sam local or unit tests
		options.log.V(1).Info("lambda resource detection failed, using configured attributes only", "err", err)

		return custom, nil
	}
	res, err := resource.Merge(detected, custom)
	if err != nil {
		return nil, fmt.Errorf("could not merge lambda resource: %w", err)
	}

	return res, nil
}

// Tracer returns a named tracer of the provider.
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return p.tp.Tracer(name, opts...)
}

// TracerProvider returns the underlying SDK provider, e.g. to instrument the AWS SDK or the handler.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Propagator returns the configured propagator or nil when propagation is disabled.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// SetGlobal registers the provider, the propagator and the logger as OpenTelemetry globals
// for libraries which do not accept them explicitly.
func (p *Provider) SetGlobal() {
	otel.SetLogger(p.log)
	otel.SetTracerProvider(p.tp)
	if p.propagator != nil {
		otel.SetTextMapPropagator(p.propagator)
	} else {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	}
}

// ForceFlush exports all ended spans. Lambda freezes the environment after the handler returns,
// so it must be called before returning from every invocation.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider. The provider must not be used afterwards.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.log.V(1).Info("shutting down tracer provider")

	return p.tp.Shutdown(ctx)
}
