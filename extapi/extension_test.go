package extapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zakharovvi/aws-lambda-otel/extapi"
	"go.uber.org/goleak"
)

type testExtension struct {
	t              *testing.T
	events         []*extapi.NextEventResponse
	invokeErrs     []error
	onInvoke       func()
	initErr        error
	shutdownErr    error
	initCalled     bool
	shutdownCalled bool
	shutdownReason extapi.ShutdownReason
	shutdownCause  error
}

func (ext *testExtension) Init(ctx context.Context, client *extapi.Client) error {
	require.Falsef(ext.t, ext.initCalled, "Init has already been called")
	require.Equal(ext.t, "123456789012", client.RegisterResponse().AccountID)
	ext.initCalled = true

	return ext.initErr
}

func (ext *testExtension) HandleInvokeEvent(ctx context.Context, event *extapi.NextEventResponse) error {
	deadline, ok := ctx.Deadline()
	require.True(ext.t, ok)
	require.Equal(ext.t, event.Deadline(), deadline)
	ext.events = append(ext.events, event)
	if ext.onInvoke != nil {
		ext.onInvoke()
	}

	var err error
	if len(ext.invokeErrs) > 0 {
		err = ext.invokeErrs[0]
		ext.invokeErrs = ext.invokeErrs[1:]
	}

	return err
}

func (ext *testExtension) Shutdown(ctx context.Context, reason extapi.ShutdownReason, err error) error {
	require.Falsef(ext.t, ext.shutdownCalled, "Shutdown has already been called")
	require.NoError(ext.t, ctx.Err())
	ext.shutdownCalled = true
	ext.shutdownReason = reason
	ext.shutdownCause = err

	return ext.shutdownErr
}

// lambdaAPIMock serves queued events and blocks event/next until the request is cancelled when block is set.
type lambdaAPIMock struct {
	t               *testing.T
	mu              sync.Mutex
	events          [][]byte
	block           bool
	registerCalled  bool
	initErrorCalled bool
	exitErrorCalled bool
}

func (h *lambdaAPIMock) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	switch r.URL.Path {
	case "/2020-01-01/extension/register":
		require.Falsef(h.t, h.registerCalled, "extension/register has already been called")
		h.registerCalled = true
		h.mu.Unlock()
		w.Header().Set("Lambda-Extension-Identifier", testIdentifier)
		_, err := w.Write(respRegister)
		require.NoError(h.t, err, "extension/register")
	case "/2020-01-01/extension/event/next":
		if len(h.events) == 0 {
			block := h.block
			h.mu.Unlock()
			if block {
				<-r.Context().Done()

				return
			}
			w.WriteHeader(http.StatusInternalServerError)

			return
		}
		e := h.events[0]
		h.events = h.events[1:]
		h.mu.Unlock()
		_, err := w.Write(e)
		require.NoError(h.t, err, "extension/event/next")
	case "/2020-01-01/extension/init/error":
		require.Falsef(h.t, h.initErrorCalled, "extension/init/error has already been called")
		h.initErrorCalled = true
		h.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, err := w.Write(respError)
		require.NoError(h.t, err, "extension/init/error")
	case "/2020-01-01/extension/exit/error":
		require.Falsef(h.t, h.exitErrorCalled, "extension/exit/error has already been called")
		h.exitErrorCalled = true
		h.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, err := w.Write(respError)
		require.NoError(h.t, err, "extension/exit/error")
	default:
		h.mu.Unlock()
		require.Failf(h.t, "unknown url called", "%s", r.URL.String())
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name                string
		handler             *lambdaAPIMock
		ext                 *testExtension
		wantRunErr          string
		wantEvents          int
		wantReason          extapi.ShutdownReason
		wantInitErrorCalled bool
		wantExitErrorCalled bool
	}{
		{
			name: "invokes then shutdown",
			handler: &lambdaAPIMock{
				events: [][]byte{respInvoke, respInvoke, respShutdown},
			},
			ext:        &testExtension{},
			wantEvents: 2,
			wantReason: extapi.Spindown,
		},
		{
			name:                "Extension.Init failed",
			handler:             &lambdaAPIMock{},
			ext:                 &testExtension{initErr: errTest},
			wantRunErr:          "Extension.Init failed: bridge failed to start",
			wantReason:          extapi.ExtensionError,
			wantInitErrorCalled: true,
		},
		{
			name: "Client.NextEvent failed",
			handler: &lambdaAPIMock{
				events: [][]byte{{}},
			},
			ext:                 &testExtension{},
			wantRunErr:          "extension loop failed: Client.NextEvent failed: event/next call failed: could not json decode http response : unexpected end of JSON input",
			wantReason:          extapi.ExtensionError,
			wantExitErrorCalled: true,
		},
		{
			name: "Extension.HandleInvokeEvent failed",
			handler: &lambdaAPIMock{
				events: [][]byte{respInvoke},
			},
			ext:                 &testExtension{invokeErrs: []error{errTest}},
			wantRunErr:          "extension loop failed: Extension.HandleInvokeEvent failed: bridge failed to start",
			wantEvents:          1,
			wantReason:          extapi.ExtensionError,
			wantExitErrorCalled: true,
		},
		{
			name: "Extension.Shutdown failed",
			handler: &lambdaAPIMock{
				events: [][]byte{respShutdown},
			},
			ext:                 &testExtension{shutdownErr: errTest},
			wantRunErr:          "Extension.Shutdown failed: bridge failed to start",
			wantReason:          extapi.Spindown,
			wantExitErrorCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.handler.t = t
			tt.ext.t = t

			server := httptest.NewServer(tt.handler)
			defer server.Close()
			t.Setenv("AWS_LAMBDA_RUNTIME_API", server.Listener.Addr().String())

			err := extapi.Run(context.Background(), tt.ext)

			if tt.wantRunErr == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tt.wantRunErr)
			}
			require.True(t, tt.ext.initCalled)
			require.True(t, tt.ext.shutdownCalled)
			require.Equal(t, tt.wantReason, tt.ext.shutdownReason)
			require.Len(t, tt.ext.events, tt.wantEvents)

			tt.handler.mu.Lock()
			defer tt.handler.mu.Unlock()
			require.True(t, tt.handler.registerCalled)
			require.Equal(t, tt.wantInitErrorCalled, tt.handler.initErrorCalled)
			require.Equal(t, tt.wantExitErrorCalled, tt.handler.exitErrorCalled)
		})
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	handler := &lambdaAPIMock{
		t:      t,
		events: [][]byte{respInvoke},
		block:  true,
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := &testExtension{t: t, onInvoke: cancel}

	err := extapi.Run(
		ctx,
		ext,
		extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()),
		extapi.WithShutdownTimeout(time.Second),
	)
	require.NoError(t, err)
	require.Len(t, ext.events, 1)
	require.True(t, ext.shutdownCalled)
	require.Equal(t, extapi.Spindown, ext.shutdownReason)
	require.NoError(t, ext.shutdownCause)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.False(t, handler.exitErrorCalled)
}

func TestRun_ContextCancelledWhilePolling(t *testing.T) {
	// runs after server.Close, so only goroutines started by Run are reported
	defer goleak.VerifyNone(
		t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
	handler := &lambdaAPIMock{t: t, block: true}
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ext := &testExtension{t: t}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := extapi.Run(ctx, ext, extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()))
	require.NoError(t, err)
	require.True(t, ext.shutdownCalled)
	require.Equal(t, extapi.Spindown, ext.shutdownReason)
}

func TestRun_RegisterFailed(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	ext := &testExtension{t: t}

	err := extapi.Run(context.Background(), ext)
	require.Error(t, err)
	require.False(t, ext.initCalled)
	require.False(t, ext.shutdownCalled)
	require.False(t, errors.Is(err, context.Canceled))
}
