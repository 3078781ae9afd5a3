// Package bridge makes the X-Ray trace context Lambda hands to a function the parent of the spans the function creates.
//
// Lambda passes the trace context of an invocation in the _X_AMZN_TRACE_ID environment variable
// instead of a request header, so it has to be extracted explicitly before the first span is started.
// Bridge extracts and validates the context, attaches it for the duration of the invocation
// and guarantees that it is detached on every exit path:
//
//	err := b.Run(ctx, lambdaotel.TracingValue(extapi.EnvXAmznTraceID()), func(ctx context.Context) error {
//		ctx, span := tracer.Start(ctx, "lambda_operation")
//		defer span.End()
//		// ...
//	})
package bridge
