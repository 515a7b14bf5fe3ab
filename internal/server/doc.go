// Package server implements the HTTP interface of erfa3ly. It wires the
// upload, download and account routes to the upload orchestrator and the
// user store, and provides the middleware stack, metrics and health checks
// used by the production binary and tests.
package server
