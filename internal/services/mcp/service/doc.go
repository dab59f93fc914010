// Package service runs MCP sessions over streamable HTTP.
//
// It is the transport adapter layer: the package owns session identity,
// per-session message dispatch, resumable push streams, and the HTTP routing
// that ties them together. Protocol meaning is delegated to a Handler built
// per session by the caller.
package service
