package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Call is one decoded JSON-RPC message routed to a session handler.
type Call struct {
	SessionID string
	Request   *jsonrpc.Request
	// Headers holds the inbound headers forwarded for this request only.
	// Handlers must not retain them past the call.
	Headers http.Header

	push func(msg jsonrpc.Message) (string, error)
}

// Notify pushes a server notification onto the session stream and returns
// the stored event id.
func (c *Call) Notify(method string, params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.Push(&jsonrpc.Request{Method: method, Params: raw})
}

// Push persists msg on the session stream and delivers it to the live
// subscriber, if any.
func (c *Call) Push(msg jsonrpc.Message) (string, error) {
	if c == nil || c.push == nil {
		return "", ErrSessionClosed
	}
	return c.push(msg)
}

// Handler answers the messages of one session.
//
// A returned *jsonrpc.Error becomes a protocol error response. Any other error
// becomes a successful response carrying an error result. Errors wrapping
// ErrSessionBroken tear the session down. Handlers that implement io.Closer
// are closed with their session.
type Handler interface {
	Handle(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// HandlerFactory builds the handler bound to a new session.
type HandlerFactory func(sessionID string) Handler
