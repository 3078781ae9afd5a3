// Package function implements the Lambda handler: it continues the caller's X-Ray trace,
// wraps an S3 ListBuckets call into a span, flushes the spans and returns an API Gateway style response.
package function
