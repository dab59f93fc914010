package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stacc/flow-mcp/internal/platform/requestctx"
	"github.com/stacc/flow-mcp/internal/services/mcp/eventstore"
)

func newTestTransport(t *testing.T, handler Handler, buffer int) (*Transport, *eventstore.Store) {
	t.Helper()
	store := eventstore.New()
	transport := newTransport("s1", handler, store, transportConfig{createdAt: time.Now(), buffer: buffer})
	t.Cleanup(func() { _ = transport.Close() })
	return transport, store
}

func TestDispatchReturnsResult(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	resp, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":7,"method":"initialize"}`), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected no error, got %v", resp.Error)
	}
	if resp.ID.Raw() != int64(7) {
		t.Fatalf("expected id 7, got %v", resp.ID.Raw())
	}
	if !strings.Contains(string(resp.Result), "2025-06-18") {
		t.Fatalf("expected initialize result, got %s", resp.Result)
	}
}

func TestDispatchMapsErrors(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	resp, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"nope"}`), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var wireErr *jsonrpc.Error
	if !errors.As(resp.Error, &wireErr) || wireErr.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", resp.Error)
	}

	resp, err = transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":2,"method":"fail"}`), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected error result, got protocol error %v", resp.Error)
	}
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.IsError || len(result.Content) != 1 || result.Content[0].Text != "downstream unavailable" {
		t.Fatalf("expected error result, got %s", resp.Result)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	_, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"boom"}`), nil)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if strings.Contains(err.Error(), "exploded") {
		t.Fatalf("expected panic value kept out of error, got %v", err)
	}
	if transport.State() != StateActive {
		t.Fatalf("expected session to survive panic, got %s", transport.State())
	}
}

func TestDispatchSurfacesBrokenSession(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	_, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"broken"}`), nil)
	if !errors.Is(err, ErrSessionBroken) {
		t.Fatalf("expected ErrSessionBroken, got %v", err)
	}
}

func TestDispatchNotificationHasNoResponse(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	resp, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","method":"fail"}`), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no response for notification, got %+v", resp)
	}
}

func TestDispatchPassesHeadersAndSessionContext(t *testing.T) {
	var gotHeaders http.Header
	var gotSession string
	transport, _ := newTestTransport(t, HandlerFunc(func(ctx context.Context, call *Call) (any, error) {
		gotHeaders = call.Headers
		gotSession = requestctx.SessionIDFromContext(ctx)
		return nil, nil
	}), 0)

	headers := http.Header{"Authorization": {"Bearer a"}}
	resp, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"x"}`), headers)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(resp.Result) != "{}" {
		t.Fatalf("expected empty object result, got %s", resp.Result)
	}
	if gotHeaders.Get("Authorization") != "Bearer a" {
		t.Fatalf("expected forwarded headers, got %v", gotHeaders)
	}
	if gotSession != "s1" {
		t.Fatalf("expected session id in context, got %q", gotSession)
	}
}

func TestDispatchAfterCloseFails(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`), nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseCancelsInFlightCalls(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		resp, _ := transport.Dispatch(context.Background(), mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"wait"}`), nil)
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected in-flight call to end after close")
	}
}

func TestCloseIsIdempotentAndClosesHandler(t *testing.T) {
	handler := &testHandler{}
	transport, _ := newTestTransport(t, handler, 0)

	for i := 0; i < 3; i++ {
		if err := transport.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if handler.closeCount() != 1 {
		t.Fatalf("expected handler closed once, got %d", handler.closeCount())
	}
	if transport.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", transport.State())
	}
	select {
	case <-transport.Done():
	default:
		t.Fatal("expected done channel closed")
	}
}

func TestSubscribeReplaysBeforeLive(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := transport.push(&jsonrpc.Request{Method: "notifications/message"})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		ids = append(ids, id)
	}

	sub, err := transport.Subscribe(ids[0])
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	replay := sub.Replay()
	if len(replay) != 2 || replay[0].ID != ids[1] || replay[1].ID != ids[2] {
		t.Fatalf("expected replay of %v, got %+v", ids[1:], replay)
	}

	live, err := transport.push(&jsonrpc.Request{Method: "notifications/message"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case evt := <-sub.Events():
		if evt.ID != live {
			t.Fatalf("expected live event %s, got %s", live, evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}
}

func TestSubscribeUnknownHintStartsFresh(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)
	if _, err := transport.push(&jsonrpc.Request{Method: "n"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	sub, err := transport.Subscribe("no-such-event")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(sub.Replay()) != 0 {
		t.Fatalf("expected empty replay, got %d", len(sub.Replay()))
	}
}

func TestSubscribeIgnoresOtherSessionHint(t *testing.T) {
	transport, store := newTestTransport(t, &testHandler{}, 0)
	foreign := store.StoreEvent("other", []byte(`{}`))
	store.StoreEvent("other", []byte(`{"secret":true}`))

	sub, err := transport.Subscribe(foreign)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(sub.Replay()) != 0 {
		t.Fatalf("expected no foreign replay, got %+v", sub.Replay())
	}
}

func TestSubscribeLastWriterWins(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 0)

	first, err := transport.Subscribe("")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := transport.Subscribe("")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("expected first subscription replaced")
	}
	id, err := transport.push(&jsonrpc.Request{Method: "n"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case evt := <-second.Events():
		if evt.ID != id {
			t.Fatalf("expected %s, got %s", id, evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event on newest subscription")
	}

	// Unsubscribing a replaced subscription leaves the active one attached.
	transport.Unsubscribe(first)
	select {
	case <-second.Done():
		t.Fatal("expected second subscription to stay attached")
	default:
	}
}

func TestSlowSubscriberIsDetachedAndResumes(t *testing.T) {
	transport, _ := newTestTransport(t, &testHandler{}, 2)

	sub, err := transport.Subscribe("")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := transport.push(&jsonrpc.Request{Method: "n"})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		ids = append(ids, id)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("expected slow subscriber detached")
	}

	first := <-sub.Events()
	resumed, err := transport.Subscribe(first.ID)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if len(resumed.Replay()) != 3 || resumed.Replay()[2].ID != ids[3] {
		t.Fatalf("expected lossless resume of %v, got %+v", ids[1:], resumed.Replay())
	}
}

func TestPushAfterCloseFails(t *testing.T) {
	transport, store := newTestTransport(t, &testHandler{}, 0)
	_ = transport.Close()

	call := &Call{SessionID: "s1", push: transport.push}
	if _, err := call.Notify("n", nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if store.Len("s1") != 0 {
		t.Fatalf("expected nothing stored, got %d", store.Len("s1"))
	}
}

func TestStateString(t *testing.T) {
	if StateActive.String() != "active" || StateClosed.String() != "closed" || State(0).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
