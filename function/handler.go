package function

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	lambdaotel "github.com/zakharovvi/aws-lambda-otel"
	"github.com/zakharovvi/aws-lambda-otel/bridge"
	"github.com/zakharovvi/aws-lambda-otel/extapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/zakharovvi/aws-lambda-otel/function"
	instrumentationVersion = "1.0"

	operationSpanName = "lambda_operation"
	completedMessage  = "Lambda trace completed"
)

// TracerProvider is implemented by tracing.Provider.
type TracerProvider interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	// Propagator returns nil when propagation is disabled.
	Propagator() propagation.TextMapPropagator
	ForceFlush(ctx context.Context) error
}

// BucketLister is implemented by *s3.Client.
type BucketLister interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// Response is returned to the caller of the function.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

type responseBody struct {
	Message string `json:"message"`
	TraceID string `json:"traceId"`
}

type Option interface {
	apply(*options)
}

type options struct {
	log      logr.Logger
	header   func() lambdaotel.TracingValue
	initType lambdaotel.InitType
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

type headerOption func() lambdaotel.TracingValue

func (o headerOption) apply(opts *options) {
	opts.header = o
}

// WithTracingHeader sets the source of the tracing header. extapi.EnvXAmznTraceID is used by default,
// the runtime updates _X_AMZN_TRACE_ID before every invocation.
func WithTracingHeader(header func() lambdaotel.TracingValue) Option {
	return headerOption(header)
}

type initTypeOption lambdaotel.InitType

func (o initTypeOption) apply(opts *options) {
	opts.initType = lambdaotel.InitType(o)
}

// WithInitType overrides AWS_LAMBDA_INITIALIZATION_TYPE used for the faas.coldstart attribute.
func WithInitType(initType lambdaotel.InitType) Option {
	return initTypeOption(initType)
}

// Handler is the Lambda function handler. Create it once in main and pass Handler.Handle to lambda.Start.
type Handler struct {
	bridge   *bridge.Bridge
	tracer   trace.Tracer
	tp       TracerProvider
	s3       BucketLister
	header   func() lambdaotel.TracingValue
	initType lambdaotel.InitType
	invoked  atomic.Bool
	log      logr.Logger
}

// NewHandler creates Handler.
func NewHandler(ctx context.Context, tp TracerProvider, s3Client BucketLister, opts ...Option) *Handler {
	options := options{
		log: logr.FromContextOrDiscard(ctx),
		header: func() lambdaotel.TracingValue {
			return lambdaotel.TracingValue(extapi.EnvXAmznTraceID())
		},
		initType: lambdaotel.InitType(extapi.EnvAWSLambdaInitializationType()),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Handler{
		bridge: bridge.New(
			ctx,
			bridge.WithLogger(options.log.WithName("bridge")),
			bridge.WithPropagator(tp.Propagator()),
		),
		tracer:   tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion)),
		tp:       tp,
		s3:       s3Client,
		header:   options.header,
		initType: options.initType,
		log:      options.log,
	}
}

// Handle handles a single invocation. The event payload is not used.
func (h *Handler) Handle(ctx context.Context, event json.RawMessage) (Response, error) {
	var requestID lambdaotel.RequestID
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		requestID = lambdaotel.RequestID(lc.AwsRequestID)
	}
	log := h.log.WithValues("requestID", requestID)
	header := h.header()
	log.V(1).Info("handling invocation", "header", header, "eventBytes", len(event))

	var traceID string
	err := h.bridge.Run(ctx, header, func(ctx context.Context) error {
		var err error
		traceID, err = h.operation(ctx, log, requestID)

		return err
	})
	// flush before returning: the environment is frozen right after the response is sent
	h.flush(ctx, log)
	if err != nil {
		log.Error(err, "invocation failed")

		return Response{}, err
	}

	body, err := json.Marshal(responseBody{Message: completedMessage, TraceID: traceID})
	if err != nil {
		return Response{}, fmt.Errorf("could not json encode response body: %w", err)
	}

	return Response{StatusCode: http.StatusOK, Body: string(body)}, nil
}

// operation lists S3 buckets inside the lambda_operation span and returns the span's trace id.
func (h *Handler) operation(ctx context.Context, log logr.Logger, requestID lambdaotel.RequestID) (string, error) {
	coldStart := !h.invoked.Swap(true) && h.initType.ColdStart()
	attrs := []attribute.KeyValue{semconv.FaaSColdstartKey.Bool(coldStart)}
	if requestID != "" {
		attrs = append(attrs, semconv.FaaSInvocationIDKey.String(string(requestID)))
	}

	ctx, span := h.tracer.Start(
		ctx,
		operationSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	defer span.End()
	sc := span.SpanContext()
	log.V(1).Info(
		"created span",
		"name", operationSpanName,
		"traceID", sc.TraceID(),
		"spanID", sc.SpanID(),
		"recording", span.IsRecording(),
	)

	span.AddEvent("processing_started", trace.WithAttributes(remainingTime(ctx)...))
	out, err := h.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ListBuckets failed")

		return sc.TraceID().String(), fmt.Errorf("could not list S3 buckets: %w", err)
	}
	span.SetAttributes(attribute.Int("bucket.count", len(out.Buckets)))
	span.AddEvent("processing_completed", trace.WithAttributes(remainingTime(ctx)...))
	span.SetStatus(codes.Ok, "")

	return sc.TraceID().String(), nil
}

func (h *Handler) flush(ctx context.Context, log logr.Logger) {
	if err := h.tp.ForceFlush(ctx); err != nil {
		log.Error(err, "force flush failed")

		return
	}
	log.V(1).Info("force flush succeeded")
}

// remainingTime returns the time left until the invocation deadline, if ctx has one.
func remainingTime(ctx context.Context) []attribute.KeyValue {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}

	return []attribute.KeyValue{attribute.Int64("aws.lambda.remaining_time_ms", time.Until(deadline).Milliseconds())}
}
