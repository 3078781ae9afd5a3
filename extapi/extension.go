package extapi

import (
	"context"
	"errors"
	"fmt"
)

// Extension abstracts the extension logic from the Extensions API.
type Extension interface {
	// Init is called after Register and before the runtime is allowed to start the first invocation.
	Init(ctx context.Context, client *Client) error
	// HandleInvokeEvent is called for every Invoke event. ctx expires at the invocation deadline.
	HandleInvokeEvent(ctx context.Context, event *NextEventResponse) error
	// Shutdown is called once when Lambda sends a Shutdown event, Run's context is cancelled, or an error occurs.
	// There are no HandleInvokeEvent calls after Shutdown.
	Shutdown(ctx context.Context, reason ShutdownReason, err error) error
}

// Run registers the extension and drives it until a Shutdown event is received, an error occurs or ctx is cancelled.
// Cancelling ctx, e.g. on SIGTERM, is a regular Spindown: Extension.Shutdown is called with a fresh context
// limited by WithShutdownTimeout and no error is reported to Lambda.
func Run(ctx context.Context, ext Extension, opts ...Option) error {
	options := newOptions(ctx, opts)
	client, err := Register(ctx, opts...)
	if err != nil {
		return err
	}
	log := client.log

	log.V(1).Info("calling Extension.Init")
	if initErr := ext.Init(ctx, client); initErr != nil {
		log.Error(initErr, "Extension.Init failed")
		if _, err := client.InitError(ctx, "Extension.Init", initErr); err != nil {
			log.Error(err, "Client.InitError failed")
		}
		if err := ext.Shutdown(ctx, ExtensionError, initErr); err != nil {
			log.Error(err, "Extension.Shutdown failed")
		}

		return fmt.Errorf("Extension.Init failed: %w", initErr)
	}

	event, loopErr := loop(ctx, client, ext)
	if errors.Is(loopErr, errStopped) {
		log.V(1).Info("context cancelled, shutting down extension")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), options.shutdownTimeout)
		defer cancel()

		if err := ext.Shutdown(shutdownCtx, Spindown, nil); err != nil {
			return fmt.Errorf("Extension.Shutdown failed: %w", err)
		}

		return nil
	}
	if loopErr != nil {
		loopErr = fmt.Errorf("extension loop failed: %w", loopErr)
	}

	shutdownErr := shutdown(ctx, client, ext, event, loopErr)
	if loopErr != nil {
		return loopErr
	}

	return shutdownErr
}

var errStopped = errors.New("extension stopped")

// shutdown calls Extension.Shutdown and reports an error to Client.ExitError if any.
func shutdown(ctx context.Context, client *Client, ext Extension, event *NextEventResponse, err error) error {
	reason := ExtensionError
	if event != nil {
		reason = event.ShutdownReason

		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, event.Deadline())
		defer cancel()
	}

	client.log.V(1).Info("calling Extension.Shutdown", "reason", reason)
	shutdownErr := ext.Shutdown(ctx, reason, err)
	if shutdownErr != nil {
		shutdownErr = fmt.Errorf("Extension.Shutdown failed: %w", shutdownErr)
		client.log.Error(shutdownErr, "")
		if err == nil {
			err = shutdownErr
		}
	}

	if err != nil {
		if _, err := client.ExitError(ctx, "Extension.Exit", err); err != nil {
			client.log.Error(err, "Client.ExitError failed")
		}
	}

	return shutdownErr
}

// loop polls Client.NextEvent until a Shutdown event is received, an error occurs, or ctx is cancelled.
// It returns errStopped on cancellation.
func loop(ctx context.Context, client *Client, ext Extension) (*NextEventResponse, error) {
	defer client.log.V(1).Info("Client.NextEvent loop stopped")

	// buffered: the polling goroutine must not block forever once loop has returned
	eventCh := make(chan *NextEventResponse, 1)
	errCh := make(chan error, 1)

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		// NextEvent blocks while the environment is frozen, so it can't be called from select's default
		go func() {
			event, err := client.NextEvent(pollCtx)
			if err != nil {
				errCh <- err
			} else {
				eventCh <- event
			}
		}()

		select {
		case event := <-eventCh:
			if event.EventType == Shutdown {
				client.log.Info("shutdown event received", "reason", event.ShutdownReason)

				return event, nil
			}

			handleCtx, handleCancel := context.WithDeadline(ctx, event.Deadline())
			err := ext.HandleInvokeEvent(handleCtx, event)
			handleCancel()
			if err != nil {
				return nil, fmt.Errorf("Extension.HandleInvokeEvent failed: %w", err)
			}
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil, errStopped
			}

			return nil, fmt.Errorf("Client.NextEvent failed: %w", err)
		case <-ctx.Done():
			return nil, errStopped
		}
	}
}
