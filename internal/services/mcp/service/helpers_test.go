package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stacc/flow-mcp/internal/services/mcp/eventstore"
)

// testHandler is a scripted session handler.
//
//   - initialize returns a fixed result
//   - emit pushes params.count notifications
//   - headers returns the forwarded headers
//   - fail returns a plain error
//   - broken returns an error wrapping ErrSessionBroken
//   - boom panics
//   - count returns how many calls this session's handler has seen
type testHandler struct {
	mu       sync.Mutex
	calls    int
	closed   int
	closeErr error
	lastCtx  context.Context
}

func (h *testHandler) Handle(ctx context.Context, call *Call) (any, error) {
	h.mu.Lock()
	h.lastCtx = ctx
	h.calls++
	calls := h.calls
	h.mu.Unlock()

	switch call.Request.Method {
	case "initialize":
		return map[string]any{"protocolVersion": "2025-06-18"}, nil
	case "emit":
		var params struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(call.Request.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "bad params"}
		}
		ids := make([]string, 0, params.Count)
		for i := 0; i < params.Count; i++ {
			id, err := call.Notify("notifications/message", map[string]any{"seq": i})
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return map[string]any{"ids": ids}, nil
	case "headers":
		return call.Headers, nil
	case "count":
		return map[string]int{"calls": calls}, nil
	case "fail":
		return nil, errors.New("downstream unavailable")
	case "broken":
		return nil, fmt.Errorf("stream reset: %w", ErrSessionBroken)
	case "boom":
		panic("handler exploded")
	case "wait":
		<-ctx.Done()
		return nil, ctx.Err()
	case "notifications/initialized":
		return nil, nil
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found"}
	}
}

func (h *testHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return h.closeErr
}

func (h *testHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *testHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type testEnv struct {
	store    *eventstore.Store
	registry *Registry
	handlers map[string]*testHandler
	mu       sync.Mutex
	server   *httptest.Server
}

func newTestEnv(t *testing.T, cfg HTTPConfig, opts ...RegistryOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    eventstore.New(),
		handlers: make(map[string]*testHandler),
	}
	env.registry = NewRegistry(env.store, func(sessionID string) Handler {
		h := &testHandler{}
		env.mu.Lock()
		env.handlers[sessionID] = h
		env.mu.Unlock()
		return h
	}, opts...)
	env.server = httptest.NewServer(NewHTTPTransport(env.registry, cfg).Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) handler(sessionID string) *testHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[sessionID]
}

func (e *testEnv) post(t *testing.T, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func (e *testEnv) delete(t *testing.T, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.server.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(headerSessionID, sessionID)
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	return resp
}

func (e *testEnv) activeConnections(t *testing.T) int {
	t.Helper()
	resp, err := e.server.Client().Get(e.server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var payload healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return payload.ActiveConnections
}

func (e *testEnv) initialize(t *testing.T) string {
	t.Helper()
	resp := e.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected initialize 200, got %d", resp.StatusCode)
	}
	sessionID := resp.Header.Get(headerSessionID)
	if sessionID == "" {
		t.Fatal("expected session id header on initialize")
	}
	return sessionID
}

func (e *testEnv) openStream(t *testing.T, ctx context.Context, sessionID, lastEventID string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(headerSessionID, sessionID)
	if lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected stream 200, got %d: %s", resp.StatusCode, body)
	}
	return resp, bufio.NewReader(resp.Body)
}

type sseEvent struct {
	id   string
	data string
}

// readSSEEvent reads the next event frame, skipping comment frames.
func readSSEEvent(t *testing.T, reader *bufio.Reader) sseEvent {
	t.Helper()
	var evt sseEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if evt.id != "" || evt.data != "" {
				return evt
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			evt.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			evt.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) rpcEnvelope {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env rpcEnvelope
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return env
}

func mustRequest(t *testing.T, raw string) *jsonrpc.Request {
	t.Helper()
	msg, err := jsonrpc.DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected request, got %T", msg)
	}
	return req
}
