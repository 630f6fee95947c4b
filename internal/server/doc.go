// Package server hosts the gateway's external HTTP/WebSocket transport
// surface (spec section 6's "out of scope" boundary).
//
// The server builds a consistent middleware chain of request ID, CORS,
// global rate limiting, metrics, security headers, and logging in front of
// the stream, capture, and device-events handlers internal/wsapi registers,
// so every endpoint shares the same protections and instrumentation.
package server
