// Package tracing builds the OpenTelemetry tracer provider a Lambda function uses for its whole execution environment.
//
// The provider is created once during the init phase from Config, injected into the function handler,
// flushed at the end of every invocation and shut down when the execution environment is recycled.
// Supported exporters:
//   - console: stdouttrace, spans end up in CloudWatch Logs
//   - udp: xrayudp, segments are sent to the X-Ray daemon Lambda runs next to the function
//   - otlp, otlphttp: OTLP exporters, e.g. for the ADOT collector layer
package tracing
