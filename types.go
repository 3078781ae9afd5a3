package lambdaotel

type RequestID string

type ExtensionName string

type FunctionVersion string

// InitType is the value of AWS_LAMBDA_INITIALIZATION_TYPE.
// https://docs.aws.amazon.com/lambda/latest/dg/configuration-envvars.html#configuration-envvars-runtime
type InitType string

const (
	InitTypeOnDemand               InitType = "on-demand"
	InitTypeProvisionedConcurrency InitType = "provisioned-concurrency"
	InitTypeSnapStart              InitType = "snap-start"
)

// ColdStart reports whether the first invocation in an environment initialized this way pays the init cost.
func (t InitType) ColdStart() bool {
	return t == InitTypeOnDemand || t == ""
}

// TracingType is the carrier key a TracingValue is transported under.
type TracingType string

const TracingTypeAWSXRay TracingType = "X-Amzn-Trace-Id"

// TracingValue is the raw X-Ray tracing header, e.g.
// Root=1-5759e988-bd862e3fe1be46a994272793;Parent=53995c3f42cd8ad8;Sampled=1
type TracingValue string
