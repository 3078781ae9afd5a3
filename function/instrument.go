package function

import (
	lambdaotel "github.com/zakharovvi/aws-lambda-otel"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Instrument wraps Handle with otellambda. The otellambda handler span continues the trace of the
// tracing header and lambda_operation becomes its child. Pass the result to lambda.Start.
func (h *Handler) Instrument(tp trace.TracerProvider) any {
	opts := []otellambda.Option{
		otellambda.WithTracerProvider(tp),
		otellambda.WithFlusher(h.tp),
	}
	if p := h.tp.Propagator(); p != nil {
		opts = append(
			opts,
			otellambda.WithPropagator(p),
			otellambda.WithEventToCarrier(h.headerCarrier),
		)
	}

	return otellambda.InstrumentHandler(h.Handle, opts...)
}

// headerCarrier ignores the event: Lambda passes the tracing header in _X_AMZN_TRACE_ID, not in the payload.
func (h *Handler) headerCarrier([]byte) propagation.TextMapCarrier {
	return propagation.MapCarrier{string(lambdaotel.TracingTypeAWSXRay): string(h.header())}
}
