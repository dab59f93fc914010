// Package domain answers MCP protocol methods for one session.
//
// The package is intentionally explicit about the mapping from protocol
// message to outcome:
// - lifecycle methods (initialize, ping) are answered locally,
// - tool calls are routed to the downstream API with the caller's forwarded
// headers,
// - and results are returned as structured tool output MCP clients can render.
package domain
