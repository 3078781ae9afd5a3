package extapi_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	lambdaotel "github.com/zakharovvi/aws-lambda-otel"
	"github.com/zakharovvi/aws-lambda-otel/extapi"
)

const (
	testIdentifier = "6a1e3fb4-1c70-4f64-b7b2-0a8b0d4f2a1e"
	testTraceValue = "Root=1-5759e988-bd862e3fe1be46a994272793;Parent=53995c3f42cd8ad8;Sampled=1"
	testDeadlineMs = int64(4102444800000)
)

var (
	errTest = errors.New("bridge failed to start")

	respRegister = []byte(`
		{
			"functionName": "xray-bridge",
			"functionVersion": "$LATEST",
			"handler": "bootstrap",
			"accountId": "123456789012"
		}
	`)
	respInvoke = []byte(`
		{
			"eventType": "INVOKE",
			"deadlineMs": 4102444800000,
			"requestId": "c6af9ac6-7b61-11e6-9a41-93e812345678",
			"invokedFunctionArn": "arn:aws:lambda:us-east-1:123456789012:function:xray-bridge",
			"tracing": {
				"type": "X-Amzn-Trace-Id",
				"value": "Root=1-5759e988-bd862e3fe1be46a994272793;Parent=53995c3f42cd8ad8;Sampled=1"
			}
		}
	`)
	respShutdown = []byte(`
		{
			"eventType": "SHUTDOWN",
			"shutdownReason": "spindown",
			"deadlineMs": 4102444800000
		}
	`)
	respError = []byte(`{"status": "OK"}`)
)

func TestRegister(t *testing.T) {
	client, server, _, err := register(t)
	require.NoError(t, err)
	defer server.Close()

	require.Equal(t, extapi.RegisterResponse{
		FunctionName:    "xray-bridge",
		FunctionVersion: "$LATEST",
		Handler:         "bootstrap",
		AccountID:       "123456789012",
	}, client.RegisterResponse())
	require.Equal(t, testIdentifier, client.ExtensionID())
}

func TestRegister_NoRuntimeAPI(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")

	_, err := extapi.Register(context.Background())
	require.EqualError(t, err, "could not find environment variable AWS_LAMBDA_RUNTIME_API")
}

func TestRegister_Options(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		require.Equal(t, "custom-name", r.Header.Get("Lambda-Extension-Name"))
		req, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"events":["INVOKE","SHUTDOWN"]}`, string(req))

		w.Header().Set("Lambda-Extension-Identifier", testIdentifier)
		_, err = w.Write(respRegister)
		require.NoError(t, err)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := extapi.Register(
		context.Background(),
		extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()),
		extapi.WithExtensionName("custom-name"),
		extapi.WithEventTypes([]extapi.EventType{extapi.Invoke, extapi.Shutdown}),
		extapi.WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)
	require.Equal(t, testIdentifier, client.ExtensionID())
}

func TestRegister_MissingIdentifier(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write(respRegister)
		require.NoError(t, err)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	t.Setenv("AWS_LAMBDA_RUNTIME_API", server.Listener.Addr().String())

	_, err := extapi.Register(context.Background())
	require.EqualError(t, err, "could not find extension id in register response header Lambda-Extension-Identifier")
}

func TestLambdaAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, err := w.Write([]byte(`{"errorType": "Extension.AccessDenied", "errorMessage": "registration is closed"}`))
		require.NoError(t, err)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	t.Setenv("AWS_LAMBDA_RUNTIME_API", server.Listener.Addr().String())

	_, err := extapi.Register(context.Background())
	require.ErrorIs(t, err, extapi.LambdaAPIError{
		Type:           "Extension.AccessDenied",
		Message:        "registration is closed",
		HTTPStatusCode: http.StatusForbidden,
	})
}

func TestNextEvent(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
		want *extapi.NextEventResponse
	}{
		{
			"invoke",
			respInvoke,
			&extapi.NextEventResponse{
				EventType:          extapi.Invoke,
				DeadlineMs:         testDeadlineMs,
				RequestID:          "c6af9ac6-7b61-11e6-9a41-93e812345678",
				InvokedFunctionArn: "arn:aws:lambda:us-east-1:123456789012:function:xray-bridge",
				Tracing: extapi.Tracing{
					Type:  lambdaotel.TracingTypeAWSXRay,
					Value: testTraceValue,
				},
			},
		},
		{
			"shutdown",
			respShutdown,
			&extapi.NextEventResponse{
				EventType:      extapi.Shutdown,
				DeadlineMs:     testDeadlineMs,
				ShutdownReason: extapi.Spindown,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server, mux, err := register(t)
			require.NoError(t, err)
			defer server.Close()
			mux.HandleFunc("/2020-01-01/extension/event/next", func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, testIdentifier, r.Header.Get("Lambda-Extension-Identifier"))

				_, err := w.Write(tt.resp)
				require.NoError(t, err)
			})

			event, err := client.NextEvent(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.want, event)
			require.Equal(t, time.UnixMilli(testDeadlineMs), event.Deadline())
		})
	}
}

func TestReportError(t *testing.T) {
	tests := []struct {
		path   string
		report func(*extapi.Client) (*extapi.ErrorResponse, error)
	}{
		{
			"/2020-01-01/extension/init/error",
			func(c *extapi.Client) (*extapi.ErrorResponse, error) {
				return c.InitError(context.Background(), "Extension.InitFailed", errTest)
			},
		},
		{
			"/2020-01-01/extension/exit/error",
			func(c *extapi.Client) (*extapi.ErrorResponse, error) {
				return c.ExitError(context.Background(), "Extension.InitFailed", errTest)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			client, server, mux, err := register(t)
			require.NoError(t, err)
			defer server.Close()
			mux.HandleFunc(tt.path, func(w http.ResponseWriter, r *http.Request) {
				defer r.Body.Close()

				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(t, testIdentifier, r.Header.Get("Lambda-Extension-Identifier"))
				require.Equal(t, "Extension.InitFailed", r.Header.Get("Lambda-Extension-Function-Error-Type"))
				req, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				require.Equal(t, errTest.Error(), string(req))

				w.WriteHeader(http.StatusAccepted)
				_, err = w.Write(respError)
				require.NoError(t, err)
			})

			resp, err := tt.report(client)
			require.NoError(t, err)
			require.Equal(t, "OK", resp.Status)
		})
	}
}

func register(t *testing.T) (*extapi.Client, *httptest.Server, *http.ServeMux, error) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, filepath.Base(os.Args[0]), r.Header.Get("Lambda-Extension-Name"))
		require.Equal(t, "accountId", r.Header.Get("Lambda-Extension-Accept-Feature"))
		req, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"events":["INVOKE"]}`, string(req))

		w.Header().Set("Lambda-Extension-Identifier", testIdentifier)
		_, err = w.Write(respRegister)
		require.NoError(t, err)
	})
	server := httptest.NewServer(mux)

	t.Setenv("AWS_LAMBDA_RUNTIME_API", server.Listener.Addr().String())
	client, err := extapi.Register(context.Background())

	return client, server, mux, err
}
