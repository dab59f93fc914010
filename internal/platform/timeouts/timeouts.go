// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// Downstream caps a single outbound HTTP call made on behalf of a request
// when no explicit timeout is configured.
const Downstream = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown. Open push streams are cut when it elapses.
const Shutdown = 5 * time.Second

// SSEKeepalive is the interval between comment frames on idle push streams.
const SSEKeepalive = 25 * time.Second
