// Package lifecycle runs an internal extension next to the function handler.
// It waits for registration, exposes the function metadata and shuts the tracer provider down
// when the execution environment is recycled.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/zakharovvi/aws-lambda-otel/extapi"
)

// ErrNotRegistered is returned by WaitRegistered when Run stopped before registration completed.
var ErrNotRegistered = errors.New("extension was not registered")

// Shutdowner is implemented by tracing.Provider.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type Extension struct {
	log        logr.Logger
	mu         sync.Mutex
	provider   Shutdowner
	metadata   extapi.RegisterResponse
	registered chan struct{}
	stopped    chan struct{}
	runErr     error
	invokes    int
}

func New(log logr.Logger) *Extension {
	return &Extension{
		log:        log,
		registered: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start runs the extension in a goroutine. The returned channel is closed once Run has returned.
func (ext *Extension) Start(ctx context.Context, opts ...extapi.Option) <-chan struct{} {
	opts = append([]extapi.Option{extapi.WithLogger(ext.log)}, opts...)
	go func() {
		defer close(ext.stopped)
		err := extapi.Run(ctx, ext, opts...)
		if err != nil {
			ext.log.Error(err, "extension stopped with error")
		}
		ext.mu.Lock()
		ext.runErr = err
		ext.mu.Unlock()
	}()

	return ext.stopped
}

// WaitRegistered blocks until Init has been called, Run has stopped or ctx is done.
func (ext *Extension) WaitRegistered(ctx context.Context) (extapi.RegisterResponse, error) {
	select {
	case <-ext.registered:
		return ext.Metadata(), nil
	case <-ext.stopped:
		select {
		case <-ext.registered:
			return ext.Metadata(), nil
		default:
		}
		ext.mu.Lock()
		defer ext.mu.Unlock()
		if ext.runErr != nil {
			return extapi.RegisterResponse{}, fmt.Errorf("%w: %w", ErrNotRegistered, ext.runErr)
		}

		return extapi.RegisterResponse{}, ErrNotRegistered
	case <-ctx.Done():
		return extapi.RegisterResponse{}, ctx.Err()
	}
}

// Wait blocks until the Run started by Start returns. It returns nil after a regular spindown
// and the Run error when the extension failed, e.g. when polling the next event failed mid-life.
func (ext *Extension) Wait() error {
	<-ext.stopped
	ext.mu.Lock()
	defer ext.mu.Unlock()

	return ext.runErr
}

func (ext *Extension) Metadata() extapi.RegisterResponse {
	ext.mu.Lock()
	defer ext.mu.Unlock()

	return ext.metadata
}

// SetProvider sets the provider to shut down. It may be called after Init, since the provider
// resource depends on the registration metadata.
func (ext *Extension) SetProvider(provider Shutdowner) {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	ext.provider = provider
}

func (ext *Extension) Init(ctx context.Context, client *extapi.Client) error {
	resp := client.RegisterResponse()
	ext.log.Info(
		"extension registered",
		"functionName", resp.FunctionName,
		"functionVersion", resp.FunctionVersion,
		"extensionID", client.ExtensionID(),
	)
	ext.mu.Lock()
	ext.metadata = resp
	ext.mu.Unlock()
	close(ext.registered)

	return nil
}

func (ext *Extension) HandleInvokeEvent(ctx context.Context, event *extapi.NextEventResponse) error {
	ext.mu.Lock()
	ext.invokes++
	ext.mu.Unlock()

	deadline, _ := ctx.Deadline()
	ext.log.V(1).Info(
		"invocation event received",
		"requestId", event.RequestID,
		"tracingValue", event.Tracing.Value,
		"timeout", time.Until(deadline),
	)

	return nil
}

func (ext *Extension) Shutdown(ctx context.Context, reason extapi.ShutdownReason, err error) error {
	ext.mu.Lock()
	provider := ext.provider
	invokes := ext.invokes
	ext.mu.Unlock()

	ext.log.Info("shutting down extension", "reason", reason, "error", err, "invocations", invokes)
	if provider == nil {
		return nil
	}
	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("could not shutdown tracer provider: %w", err)
	}
	ext.log.V(1).Info("tracer provider shut down")

	return nil
}
