package extapi

import (
	"os"
	"strconv"
)

// Lambda runtimes set several reserved environment variables during initialization.
// https://docs.aws.amazon.com/lambda/latest/dg/configuration-envvars.html#configuration-envvars-runtime

// EnvXAmznTraceID returns the X-Ray tracing header of the current invocation.
// The runtime updates it before every invocation, read it inside the handler only.
func EnvXAmznTraceID() string {
	return os.Getenv("_X_AMZN_TRACE_ID")
}

// EnvAWSXRayDaemonAddress returns host:port of the X-Ray daemon the UDP exporter sends segments to.
func EnvAWSXRayDaemonAddress() string {
	return os.Getenv("AWS_XRAY_DAEMON_ADDRESS")
}

// EnvAWSRegion returns the AWS Region where the Lambda function is executed.
func EnvAWSRegion() string {
	return os.Getenv("AWS_REGION")
}

func EnvAWSLambdaFunctionName() string {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
}

func EnvAWSLambdaFunctionVersion() string {
	return os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")
}

// EnvAWSLambdaFunctionMemorySizeMB returns the amount of memory available to the function in MB, or 0 when unknown.
func EnvAWSLambdaFunctionMemorySizeMB() int {
	n, _ := strconv.Atoi(os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))

	return n
}

// EnvAWSLambdaInitializationType returns on-demand, provisioned-concurrency or snap-start.
func EnvAWSLambdaInitializationType() string {
	return os.Getenv("AWS_LAMBDA_INITIALIZATION_TYPE")
}

// EnvAWSLambdaRuntimeAPI returns host:port of the runtime and extensions API.
func EnvAWSLambdaRuntimeAPI() string {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API")
}
