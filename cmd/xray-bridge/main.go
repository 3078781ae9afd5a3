// Command xray-bridge is a Lambda function which continues the X-Ray trace of its invocation:
// it lists S3 buckets inside a span parented by the _X_AMZN_TRACE_ID segment.
// An internal extension in the same binary reports the account id and shuts the tracer provider down on SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/zakharovvi/aws-lambda-otel/extapi"
	"github.com/zakharovvi/aws-lambda-otel/function"
	"github.com/zakharovvi/aws-lambda-otel/internal/lifecycle"
	"github.com/zakharovvi/aws-lambda-otel/tracing"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

func main() {
	cfg, err := tracing.LoadConfig()
	if err != nil {
		log.Fatalln(err)
	}
	stdr.SetVerbosity(cfg.LogVerbosity)
	logger := stdr.New(log.New(os.Stdout, "", log.Lshortfile))
	logger.Info(
		"starting function",
		"functionName", extapi.EnvAWSLambdaFunctionName(),
		"functionVersion", extapi.EnvAWSLambdaFunctionVersion(),
		"memorySizeMB", extapi.EnvAWSLambdaFunctionMemorySizeMB(),
		"region", extapi.EnvAWSRegion(),
		"initType", extapi.EnvAWSLambdaInitializationType(),
	)
	if cfg.Exporter == tracing.ExporterUDP {
		logger.V(1).Info("segments are sent to the X-Ray daemon", "address", extapi.EnvAWSXRayDaemonAddress())
	}

	// internal extensions receive SIGTERM when the execution environment is recycled
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, logger)

	ext := lifecycle.New(logger.WithName("lifecycle"))
	var attrs []attribute.KeyValue
	if extapi.EnvAWSLambdaRuntimeAPI() != "" {
		ext.Start(ctx)
		metadata, err := ext.WaitRegistered(ctx)
		if err != nil {
			logger.Error(err, "lifecycle extension is not available, the tracer provider will not be shut down")
		} else {
			attrs = append(attrs, semconv.CloudAccountID(metadata.AccountID))
			go func() {
				// exiting on a failure could cut off a running invocation
				if err := ext.Wait(); err != nil {
					logger.Error(err, "lifecycle extension failed, serving invocations without it")

					return
				}
				logger.V(1).Info("lifecycle extension stopped, exiting")
				os.Exit(0)
			}()
		}
	}

	provider, err := tracing.NewProvider(
		ctx,
		cfg,
		tracing.WithLogger(logger.WithName("tracing")),
		tracing.WithAttributes(attrs...),
	)
	if err != nil {
		logger.Error(err, "could not create tracer provider")
		os.Exit(1)
	}
	provider.SetGlobal()
	ext.SetProvider(provider)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error(err, "could not load AWS config")
		os.Exit(1)
	}
	awsOpts := []otelaws.Option{otelaws.WithTracerProvider(provider.TracerProvider())}
	if p := provider.Propagator(); p != nil {
		awsOpts = append(awsOpts, otelaws.WithTextMapPropagator(p))
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions, awsOpts...)

	h := function.NewHandler(
		ctx,
		provider,
		s3.NewFromConfig(awsCfg),
		function.WithLogger(logger.WithName("function")),
	)

	var handler any = h.Handle
	if cfg.InstrumentFunc {
		handler = h.Instrument(provider.TracerProvider())
	}
	lambda.StartWithOptions(handler, lambda.WithContext(ctx))
}
