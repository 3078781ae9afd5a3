package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	lambdaotel "github.com/zakharovvi/aws-lambda-otel"
	"github.com/zakharovvi/aws-lambda-otel/xrayheader"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidContext is returned when the propagator could not decode a valid span context from the header.
	ErrInvalidContext = errors.New("no valid trace context in tracing header")
	// ErrHandleOutstanding is returned by Attach while a previously attached Handle has not been detached.
	ErrHandleOutstanding = errors.New("another trace context is still attached")
	// ErrAlreadyDetached is returned when a Handle is detached a second time.
	ErrAlreadyDetached = errors.New("trace context handle is already detached")
	// ErrNilHandle is returned by Detach for a nil Handle.
	ErrNilHandle = errors.New("trace context handle is nil")
)

type Option interface {
	apply(*options)
}

type options struct {
	log        logr.Logger
	propagator propagation.TextMapPropagator
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

type propagatorOption struct {
	propagator propagation.TextMapPropagator
}

func (o propagatorOption) apply(opts *options) {
	opts.propagator = o.propagator
}

// WithPropagator sets the propagator used to decode the tracing header. xray.Propagator is used by default.
// A nil propagator disables extraction: Extract never returns a context and Run calls its function with the original context.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return propagatorOption{propagator}
}

// Extracted is a trace context decoded from a tracing header.
type Extracted struct {
	ctx         context.Context
	SpanContext trace.SpanContext
	// ManualTraceID is the trace id parsed from the header by xrayheader, independently of the propagator.
	ManualTraceID string
}

// IsValid reports whether the propagator decoded a valid span context.
func (e Extracted) IsValid() bool {
	return e.ctx != nil && e.SpanContext.IsValid()
}

// TraceID returns the decoded trace id as 32 hex digits.
func (e Extracted) TraceID() string {
	return e.SpanContext.TraceID().String()
}

// SpanID returns the decoded parent span id as 16 hex digits.
func (e Extracted) SpanID() string {
	return e.SpanContext.SpanID().String()
}

// Context returns the context spans should be started from. They become children of the caller's segment,
// or of the current span when it already belongs to the extracted trace.
func (e Extracted) Context() context.Context {
	return e.ctx
}

// Matches reports whether the manually parsed trace id equals the one decoded by the propagator.
// It is a self-check only and does not affect extraction.
func (e Extracted) Matches() bool {
	return e.ManualTraceID != "" && e.ManualTraceID == e.TraceID()
}

// Verify parses header without the propagator and reports whether its trace id equals the extracted one.
func Verify(header lambdaotel.TracingValue, extracted Extracted) bool {
	parsed, err := xrayheader.Parse(header)
	if err != nil {
		return false
	}

	return parsed.TraceID() == extracted.TraceID()
}

// Bridge extracts trace contexts from tracing headers and keeps track of the attached one.
// Create a single Bridge per execution environment and reuse it for every invocation.
type Bridge struct {
	propagator propagation.TextMapPropagator
	readsXRay  bool
	log        logr.Logger

	mu     sync.Mutex
	active *Handle
}

// New creates Bridge.
func New(ctx context.Context, opts ...Option) *Bridge {
	options := options{
		log:        logr.FromContextOrDiscard(ctx),
		propagator: xray.Propagator{},
	}
	for _, o := range opts {
		o.apply(&options)
	}

	b := &Bridge{
		propagator: options.propagator,
		log:        options.log,
	}
	if options.propagator != nil {
		b.readsXRay = slices.Contains(options.propagator.Fields(), string(lambdaotel.TracingTypeAWSXRay))
	}

	return b
}

// Extract decodes the tracing header into a trace context derived from ctx.
// It returns false when the header is empty, malformed, or the propagator could not decode a valid span context.
// A malformed header is logged and never returned as an error: the invocation proceeds without a parent.
// When ctx already carries a span of the extracted trace, e.g. the handler span of otellambda,
// that span stays the parent of spans started from the extracted context.
func (b *Bridge) Extract(ctx context.Context, header lambdaotel.TracingValue) (Extracted, bool) {
	if b.propagator == nil {
		b.log.V(1).Info("trace propagation is disabled, skipping tracing header")

		return Extracted{}, false
	}
	if !b.readsXRay {
		b.log.V(1).Info("propagator does not read the X-Ray tracing header, proceeding without parent trace context", "fields", b.propagator.Fields())

		return Extracted{}, false
	}
	if header == "" {
		b.log.V(1).Info("no tracing header, proceeding without parent trace context")

		return Extracted{}, false
	}
	b.log.V(1).Info("extracting trace context", "header", header)

	parsed, err := xrayheader.Parse(header)
	if err != nil {
		b.log.Error(err, "malformed tracing header, proceeding without parent trace context", "header", header)

		return Extracted{}, false
	}

	// decode into an empty context: a span already present in ctx must not be mistaken for the extracted one
	carrier := propagation.MapCarrier{string(lambdaotel.TracingTypeAWSXRay): string(header)}
	sc := trace.SpanContextFromContext(b.propagator.Extract(context.Background(), carrier))
	if !sc.IsValid() {
		b.log.Error(ErrInvalidContext, "failed to extract trace context, proceeding without parent trace context", "header", header)

		return Extracted{}, false
	}

	extracted := Extracted{
		ctx:           trace.ContextWithRemoteSpanContext(ctx, sc),
		SpanContext:   sc,
		ManualTraceID: parsed.TraceID(),
	}
	if current := trace.SpanContextFromContext(ctx); current.IsValid() && current.TraceID() == sc.TraceID() {
		extracted.ctx = ctx
		b.log.V(1).Info("keeping current span of the extracted trace as parent", "spanID", current.SpanID())
	}
	b.log.V(1).Info(
		"extracted trace context",
		"xrayTraceID", parsed.Root,
		"traceID", extracted.TraceID(),
		"parentSpanID", extracted.SpanID(),
		"sampled", sc.IsSampled(),
		"match", extracted.Matches(),
	)
	if !extracted.Matches() {
		b.log.Info("extracted trace id does not match tracing header", "manualTraceID", extracted.ManualTraceID, "traceID", extracted.TraceID())
	}

	return extracted, true
}

// Attach makes the extracted context the ambient context of the current invocation.
// Only one Handle may be attached at a time. Every Handle must be passed to Detach exactly once.
func (b *Bridge) Attach(extracted Extracted) (*Handle, error) {
	if !extracted.IsValid() {
		return nil, ErrInvalidContext
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return nil, ErrHandleOutstanding
	}
	h := &Handle{ctx: extracted.ctx, traceID: extracted.TraceID()}
	b.active = h
	b.log.V(1).Info("attached trace context", "traceID", h.traceID)

	return h, nil
}

// Detach releases the handle returned by Attach.
func (b *Bridge) Detach(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.detached {
		return ErrAlreadyDetached
	}
	h.detached = true
	if b.active == h {
		b.active = nil
	}
	b.log.V(1).Info("detached trace context", "traceID", h.traceID)

	return nil
}

// Active returns the context of the attached handle, if any.
func (b *Bridge) Active() (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil, false
	}

	return b.active.ctx, true
}

// Run extracts the tracing header and calls fn with the extracted context attached.
// When nothing could be extracted fn is called with ctx.
// The handle is detached after fn returns, including when fn returns an error or panics.
func (b *Bridge) Run(ctx context.Context, header lambdaotel.TracingValue, fn func(ctx context.Context) error) error {
	extracted, ok := b.Extract(ctx, header)
	if !ok {
		return fn(ctx)
	}

	h, err := b.Attach(extracted)
	if err != nil {
		return fmt.Errorf("could not attach extracted trace context: %w", err)
	}
	defer func() {
		if err := b.Detach(h); err != nil {
			b.log.Error(err, "could not detach trace context")
		}
	}()

	return fn(h.Context())
}

// Handle is an attached trace context.
type Handle struct {
	ctx      context.Context
	traceID  string
	detached bool
}

// Context returns the context new spans should be started from.
func (h *Handle) Context() context.Context {
	return h.ctx
}
