// Package extapi implements a client for the Lambda Extensions API and a Run loop driving an Extension.
// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-extensions-api.html
//
// A function registers an internal extension to learn its account id and to receive SIGTERM
// before the execution environment is recycled, which is the only point where buffered spans can still be exported.
// The env.go accessors expose the reserved runtime environment variables.
package extapi
