// Package server hosts the ReelForge ingestion API from a single HTTP server.
//
// The server builds a consistent middleware chain of request identification,
// rate limiting, metrics, security headers, CORS, and logging so handlers all
// share common protections and instrumentation.
package server
