// Package xrayheader parses the AWS X-Ray tracing header Lambda exposes in _X_AMZN_TRACE_ID.
// https://docs.aws.amazon.com/xray/latest/devguide/xray-concepts.html#xray-concepts-tracingheader
//
// The parser is intentionally independent from the OpenTelemetry X-Ray propagator,
// so the two decodings can be compared with each other.
package xrayheader
