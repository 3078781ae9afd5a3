// Command cdk deploys the xray-bridge function with active X-Ray tracing.
// Build the function first: GOOS=linux GOARCH=arm64 go build -tags lambda.norpc -o dist/bootstrap ./cmd/xray-bridge
package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

type XRayBridgeStackProps struct {
	awscdk.StackProps
	// Exporter is passed to the function as OTEL_EXPORTER.
	Exporter string
}

func NewXRayBridgeStack(scope constructs.Construct, id string, props *XRayBridgeStackProps) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, &props.StackProps)

	env := &map[string]*string{
		"OTEL_EXPORTER":          jsii.String(props.Exporter),
		"OTEL_PROPAGATOR":        jsii.String("xray"),
		"OTEL_SERVICE_NAME":      jsii.String("xray-bridge"),
		"DEPLOYMENT_ENVIRONMENT": jsii.String("integration"),
		"LOG_VERBOSITY":          jsii.String("1"),
	}
	fn := awslambda.NewFunction(stack, jsii.String("xray-bridge-function"), &awslambda.FunctionProps{
		Runtime:      awslambda.Runtime_PROVIDED_AL2(),
		Architecture: awslambda.Architecture_ARM_64(),
		Handler:      jsii.String("bootstrap"),
		Code:         awslambda.Code_FromAsset(jsii.String("../dist"), nil),
		MemorySize:   jsii.Number(128),
		Timeout:      awscdk.Duration_Seconds(jsii.Number(10)),
		// the runtime sets _X_AMZN_TRACE_ID only when tracing is active
		Tracing:      awslambda.Tracing_ACTIVE,
		LogRetention: awslogs.RetentionDays_ONE_WEEK,
		Environment:  env,
	})
	fn.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect:    awsiam.Effect_ALLOW,
		Actions:   jsii.Strings("s3:ListAllMyBuckets"),
		Resources: jsii.Strings("*"),
	}))

	awscdk.NewCfnOutput(stack, jsii.String("function-arn"), &awscdk.CfnOutputProps{
		Value:       fn.FunctionArn(),
		Description: jsii.String("xray-bridge function to invoke in integration tests"),
		ExportName:  jsii.String("XRayBridgeFunctionARN"),
	})

	return stack
}

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)

	NewXRayBridgeStack(
		app,
		"xray-bridge",
		&XRayBridgeStackProps{
			StackProps: awscdk.StackProps{
				Description: jsii.String("X-Ray trace context bridge sample function"),
				Tags: &map[string]*string{
					"project": jsii.String("zakharovvi/aws-lambda-otel"),
				},
			},
			Exporter: "udp",
		},
	)

	app.Synth(nil)
}
