// Package server hosts the call-system API, the event stream, and the
// embedded operator pages from a single HTTP server.
//
// The server builds a consistent middleware chain of logging, audit, metrics,
// rate limiting, security headers, and request IDs so handlers all share
// common protections and instrumentation.
package server
