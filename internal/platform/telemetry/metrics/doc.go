// Package metrics provides operational metrics collection.
//
// Metrics are registered on a per-owner Prometheus registry rather than the
// process default so tests can build isolated instances.
//
// # Metric Categories
//
//   - Latency: request duration histograms by method and status
//   - Usage: protocol requests, sessions created and closed, active sessions
//   - Streaming: events stored, events replayed, live subscribers
//
// The exposition handler is mounted at /metrics by the MCP HTTP transport.
package metrics
