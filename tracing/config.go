package tracing

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// PropagatorType selects how trace context is decoded from and encoded into carriers.
type PropagatorType string

const (
	// PropagatorXRay decodes the X-Ray tracing header Lambda provides in _X_AMZN_TRACE_ID.
	PropagatorXRay PropagatorType = "xray"
	// PropagatorW3C uses W3C traceparent/tracestate and baggage.
	PropagatorW3C PropagatorType = "w3c"
	// PropagatorNone disables propagation. Spans of every invocation start a new trace.
	PropagatorNone PropagatorType = "none"
)

// ExporterType selects where finished spans are sent.
type ExporterType string

const (
	// ExporterConsole writes spans to stdout. Lambda forwards stdout to CloudWatch Logs.
	ExporterConsole ExporterType = "console"
	// ExporterUDP sends segments to the X-Ray daemon Lambda runs next to the function.
	ExporterUDP ExporterType = "udp"
	// ExporterOTLP sends spans to an OTLP/gRPC endpoint, e.g. the ADOT collector layer.
	ExporterOTLP ExporterType = "otlp"
	// ExporterOTLPHTTP sends spans to an OTLP/HTTP endpoint.
	ExporterOTLPHTTP ExporterType = "otlphttp"
	// ExporterNone drops spans. Useful in tests and for measuring overhead.
	ExporterNone ExporterType = "none"
)

// SpanProcessorType selects between synchronous and batched export.
type SpanProcessorType string

const (
	SpanProcessorSimple SpanProcessorType = "simple"
	SpanProcessorBatch  SpanProcessorType = "batch"
)

// Config is resolved once per execution environment, before the first invocation.
type Config struct {
	Propagator     PropagatorType    `envconfig:"OTEL_PROPAGATOR" default:"xray"`
	Exporter       ExporterType      `envconfig:"OTEL_EXPORTER" default:"console"`
	OTLPEndpoint   string            `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure   bool              `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	SpanProcessor  SpanProcessorType `envconfig:"OTEL_SPAN_PROCESSOR" default:"simple"`
	ServiceName    string            `envconfig:"OTEL_SERVICE_NAME" default:"go-lambda-otel"`
	Environment    string            `envconfig:"DEPLOYMENT_ENVIRONMENT" default:"production"`
	ConsolePretty  bool              `envconfig:"OTEL_CONSOLE_PRETTY" default:"false"`
	InstrumentFunc bool              `envconfig:"OTEL_INSTRUMENT_HANDLER" default:"false"`
	LogVerbosity   int               `envconfig:"LOG_VERBOSITY" default:"0"`
}

// LoadConfig reads Config from the environment and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("could not load tracing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects unknown component names.
// There is no fallback to a default component: a typo in the function configuration must fail the init phase.
func (cfg *Config) Validate() error {
	switch cfg.Propagator {
	case PropagatorXRay, PropagatorW3C, PropagatorNone:
	default:
		return fmt.Errorf("%w: propagator %q (supported: xray, w3c, none)", ErrUnsupported, cfg.Propagator)
	}
	switch cfg.Exporter {
	case ExporterConsole, ExporterUDP, ExporterOTLP, ExporterOTLPHTTP, ExporterNone:
	default:
		return fmt.Errorf("%w: exporter %q (supported: console, udp, otlp, otlphttp, none)", ErrUnsupported, cfg.Exporter)
	}
	switch cfg.SpanProcessor {
	case SpanProcessorSimple, SpanProcessorBatch:
	default:
		return fmt.Errorf("%w: span processor %q (supported: simple, batch)", ErrUnsupported, cfg.SpanProcessor)
	}
	if cfg.ServiceName == "" {
		return fmt.Errorf("%w: empty service name", ErrUnsupported)
	}

	return nil
}
