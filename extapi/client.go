package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	lambdaotel "github.com/zakharovvi/aws-lambda-otel"
)

// EventType is the type of the events returned by /event/next.
type EventType string

const (
	Invoke   EventType = "INVOKE"
	Shutdown EventType = "SHUTDOWN"
)

// ShutdownReason is the reason of a shutdown event.
type ShutdownReason string

const (
	// Spindown is a normal end of the execution environment.
	Spindown ShutdownReason = "spindown"
	// Timeout means the handler ran out of time.
	Timeout ShutdownReason = "timeout"
	// Failure is any other shutdown type, such as out-of-memory.
	Failure ShutdownReason = "failure"
	// ExtensionError is used when a Client or Extension method fails. It is never sent by Lambda.
	ExtensionError ShutdownReason = "extension_error"
)

const (
	apiVersion = "2020-01-01"

	nameHeader          = "Lambda-Extension-Name"
	idHeader            = "Lambda-Extension-Identifier"
	errorTypeHeader     = "Lambda-Extension-Function-Error-Type"
	acceptFeatureHeader = "Lambda-Extension-Accept-Feature"
)

type RegisterRequest struct {
	EventTypes []EventType `json:"events"`
}

// RegisterResponse describes the function the extension was registered for.
type RegisterResponse struct {
	FunctionName    string                     `json:"functionName"`
	FunctionVersion lambdaotel.FunctionVersion `json:"functionVersion"`
	Handler         string                     `json:"handler"`
	// AccountID is only returned because Register asks for the accountId feature.
	AccountID string `json:"accountId"`
}

// NextEventResponse is an INVOKE or SHUTDOWN event.
type NextEventResponse struct {
	EventType EventType `json:"eventType"`
	// DeadlineMs is the instant the invocation times out, as epoch milliseconds.
	DeadlineMs         int64                `json:"deadlineMs"`
	RequestID          lambdaotel.RequestID `json:"requestId"`
	InvokedFunctionArn string               `json:"invokedFunctionArn"`
	// Tracing carries the X-Ray tracing header of INVOKE events.
	Tracing        Tracing        `json:"tracing"`
	ShutdownReason ShutdownReason `json:"shutdownReason"`
}

// Deadline returns DeadlineMs as time.Time.
func (e *NextEventResponse) Deadline() time.Time {
	return time.UnixMilli(e.DeadlineMs)
}

type Tracing struct {
	Type  lambdaotel.TracingType  `json:"type"`
	Value lambdaotel.TracingValue `json:"value"`
}

// ErrorResponse is the body of /init/error and /exit/error responses.
type ErrorResponse struct {
	Status string `json:"status"`
}

// LambdaAPIError is returned when the API responds with an unexpected status code and a JSON error body.
type LambdaAPIError struct {
	Type           string `json:"errorType"`
	Message        string `json:"errorMessage"`
	HTTPStatusCode int    `json:"-"`
}

func (e LambdaAPIError) Error() string {
	return fmt.Sprintf("Lambda API http_status_code=%d type=%s, message=%s", e.HTTPStatusCode, e.Type, e.Message)
}

type options struct {
	extensionName   lambdaotel.ExtensionName
	runtimeAPI      string
	eventTypes      []EventType
	httpClient      *http.Client
	log             logr.Logger
	shutdownTimeout time.Duration
}

type Option interface {
	apply(*options)
}

type extensionNameOption lambdaotel.ExtensionName

func (o extensionNameOption) apply(opts *options) {
	opts.extensionName = lambdaotel.ExtensionName(o)
}

// WithExtensionName overrides the extension name. The executable name is used by default.
func WithExtensionName(name lambdaotel.ExtensionName) Option {
	return extensionNameOption(name)
}

type runtimeAPIOption string

func (o runtimeAPIOption) apply(opts *options) {
	opts.runtimeAPI = string(o)
}

// WithAWSLambdaRuntimeAPI overrides AWS_LAMBDA_RUNTIME_API.
func WithAWSLambdaRuntimeAPI(api string) Option {
	return runtimeAPIOption(api)
}

type eventTypesOption []EventType

func (o eventTypesOption) apply(opts *options) {
	opts.eventTypes = o
}

// WithEventTypes sets the events to subscribe to. Internal extensions can't subscribe to Shutdown.
func WithEventTypes(types []EventType) Option {
	return eventTypesOption(types)
}

type httpClientOption struct {
	httpClient *http.Client
}

func (o httpClientOption) apply(opts *options) {
	opts.httpClient = o.httpClient
}

func WithHTTPClient(httpClient *http.Client) Option {
	return httpClientOption{httpClient}
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

type shutdownTimeoutOption time.Duration

func (o shutdownTimeoutOption) apply(opts *options) {
	opts.shutdownTimeout = time.Duration(o)
}

// WithShutdownTimeout limits Extension.Shutdown when Run stops because its context was cancelled.
// Lambda gives the runtime 500ms after SIGTERM before killing it.
func WithShutdownTimeout(timeout time.Duration) Option {
	return shutdownTimeoutOption(timeout)
}

func newOptions(ctx context.Context, opts []Option) options {
	executable, _ := os.Executable()
	options := options{
		extensionName:   lambdaotel.ExtensionName(filepath.Base(executable)),
		runtimeAPI:      EnvAWSLambdaRuntimeAPI(),
		eventTypes:      []EventType{Invoke},
		httpClient:      http.DefaultClient,
		log:             logr.FromContextOrDiscard(ctx),
		shutdownTimeout: 300 * time.Millisecond,
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return options
}

// Client is a low-level Extensions API client. Most callers should use Run.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	extensionID  string
	registerResp RegisterResponse
	log          logr.Logger
}

// RegisterResponse returns the metadata received during registration.
func (c *Client) RegisterResponse() RegisterResponse {
	return c.registerResp
}

func (c *Client) ExtensionID() string {
	return c.extensionID
}

// Register registers the extension. It must happen during the init phase, before the runtime calls /runtime/invocation/next.
// Internal extensions subscribe to Invoke only by default.
func Register(ctx context.Context, opts ...Option) (*Client, error) {
	options := newOptions(ctx, opts)
	if options.runtimeAPI == "" {
		return nil, errors.New("could not find environment variable AWS_LAMBDA_RUNTIME_API")
	}
	options.log.V(1).Info("registering extension", "runtimeAPI", options.runtimeAPI, "name", options.extensionName)

	client := &Client{
		baseURL:    fmt.Sprintf("http://%s/%s/extension", options.runtimeAPI, apiVersion),
		httpClient: options.httpClient,
		log:        options.log,
	}
	body, err := json.Marshal(RegisterRequest{options.eventTypes})
	if err != nil {
		return nil, fmt.Errorf("could not json encode register request: %w", err)
	}
	headers := map[string]string{
		nameHeader:          string(options.extensionName),
		acceptFeatureHeader: "accountId",
	}
	resp, err := client.call(ctx, http.MethodPost, "/register", bytes.NewReader(body), headers, http.StatusOK, &client.registerResp)
	if err != nil {
		return nil, fmt.Errorf("could not register extension: %w", err)
	}
	client.extensionID = resp.Header.Get(idHeader)
	if client.extensionID == "" {
		return nil, fmt.Errorf("could not find extension id in register response header %s", idHeader)
	}
	client.log.V(1).Info("extension registered", "extensionID", client.extensionID, "response", client.registerResp)

	return client, nil
}

// NextEvent long polls the next event. It blocks while the execution environment is frozen.
// http.DefaultClient has no timeout, which is required here.
func (c *Client) NextEvent(ctx context.Context) (*NextEventResponse, error) {
	event := &NextEventResponse{}
	if _, err := c.call(ctx, http.MethodGet, "/event/next", nil, nil, http.StatusOK, event); err != nil {
		return nil, fmt.Errorf("event/next call failed: %w", err)
	}
	c.log.V(1).Info("event received", "event", event)

	return event, nil
}

// InitError reports a failed initialization. Lambda restarts the execution environment afterwards.
func (c *Client) InitError(ctx context.Context, errorType string, err error) (*ErrorResponse, error) {
	return c.reportError(ctx, "/init/error", errorType, err)
}

// ExitError reports an unexpected failure before the extension exits.
func (c *Client) ExitError(ctx context.Context, errorType string, err error) (*ErrorResponse, error) {
	return c.reportError(ctx, "/exit/error", errorType, err)
}

func (c *Client) reportError(ctx context.Context, path, errorType string, reported error) (*ErrorResponse, error) {
	c.log.V(1).Info("reporting error", "path", path, "errorType", errorType, "err", reported)
	errorResp := &ErrorResponse{}
	headers := map[string]string{errorTypeHeader: errorType}
	if _, err := c.call(ctx, http.MethodPost, path, strings.NewReader(reported.Error()), headers, http.StatusAccepted, errorResp); err != nil {
		return nil, fmt.Errorf("error reporting %s call failed: %w", path, err)
	}

	return errorResp, nil
}

// call sends a request to the Extensions API and decodes the JSON response into out.
func (c *Client) call(
	ctx context.Context,
	method string,
	path string,
	body io.Reader,
	headers map[string]string,
	wantStatus int,
	out any,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.extensionID != "" {
		req.Header.Set(idHeader, c.extensionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error(err, "could not close http response body")
		}
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read http response body: %w", err)
	}

	if resp.StatusCode != wantStatus {
		apiErr := LambdaAPIError{HTTPStatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, &apiErr); err != nil {
			return nil, fmt.Errorf("http request failed with status %s and body: %s", resp.Status, respBody)
		}

		return nil, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("could not json decode http response %s: %w", respBody, err)
		}
	}

	return resp, nil
}
