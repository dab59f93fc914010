package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stacc/flow-mcp/internal/platform/requestctx"
	"github.com/stacc/flow-mcp/internal/platform/telemetry/metrics"
	"github.com/stacc/flow-mcp/internal/services/mcp/eventstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stacc/flow-mcp/internal/services/mcp/service"

// defaultSubscriberBuffer bounds live events queued for one push stream.
// A subscriber that falls this far behind is detached and resumes by id.
const defaultSubscriberBuffer = 64

// State is the lifecycle state of a session transport.
type State int

const (
	// StateActive accepts requests and push subscribers.
	StateActive State = iota + 1
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one stored message delivered on a push stream.
type Event struct {
	ID   string
	Data []byte
}

// Subscription is one attached push stream. Replay holds the events missed
// since the resume hint; Events carries everything pushed afterwards.
type Subscription struct {
	replay []Event
	live   chan Event
	done   chan struct{}
	once   sync.Once
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{
		live: make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Replay returns the events to write before any live event.
func (s *Subscription) Replay() []Event { return s.replay }

// Events delivers live events in store order.
func (s *Subscription) Events() <-chan Event { return s.live }

// Done is closed when the subscription is replaced, detached, or its
// session closes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) offer(evt Event) bool {
	select {
	case s.live <- evt:
		return true
	default:
		return false
	}
}

func (s *Subscription) end() {
	s.once.Do(func() { close(s.done) })
}

// Transport is the per-session state machine. It dispatches inbound requests
// to the session handler and publishes server pushes through the event store.
//
// Pushes and subscriber attachment are serialized on one lock, so a
// subscriber sees its replay followed by live events with no gap and no
// duplicate.
type Transport struct {
	sessionID string
	createdAt time.Time
	handler   Handler
	events    *eventstore.Store
	metrics   *metrics.Transport
	logger    zerolog.Logger
	buffer    int

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	sub   *Subscription
}

type transportConfig struct {
	createdAt time.Time
	metrics   *metrics.Transport
	logger    zerolog.Logger
	buffer    int
}

func newTransport(sessionID string, handler Handler, events *eventstore.Store, cfg transportConfig) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := cfg.buffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Transport{
		sessionID: sessionID,
		createdAt: cfg.createdAt,
		handler:   handler,
		events:    events,
		metrics:   cfg.metrics,
		logger:    cfg.logger.With().Str("session_id", sessionID).Logger(),
		buffer:    buffer,
		ctx:       requestctx.WithSessionID(ctx, sessionID),
		cancel:    cancel,
		state:     StateActive,
	}
}

// SessionID returns the session this transport serves.
func (t *Transport) SessionID() string { return t.sessionID }

// CreatedAt returns when the session was created.
func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the transport is closed.
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Dispatch delivers req to the session handler with the headers forwarded
// for this request. It returns nil for notifications.
//
// The handler context is cancelled when either the request ends or the
// session closes. A panicking handler yields ErrInternal; an error wrapping
// ErrSessionBroken is returned as is so the caller can tear the session down.
func (t *Transport) Dispatch(ctx context.Context, req *jsonrpc.Request, headers http.Header) (*jsonrpc.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInternal)
	}
	if t.State() == StateClosed {
		return nil, ErrSessionClosed
	}

	callCtx, cancel := context.WithCancel(requestctx.WithSessionID(ctx, t.sessionID))
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	call := &Call{
		SessionID: t.sessionID,
		Request:   req,
		Headers:   headers,
		push:      t.push,
	}
	callCtx, span := otel.Tracer(tracerName).Start(callCtx, "mcp.dispatch "+req.Method,
		trace.WithAttributes(
			attribute.String("mcp.session_id", t.sessionID),
			attribute.String("rpc.method", req.Method),
		),
	)
	defer span.End()

	result, err := t.invoke(callCtx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, req.Method)
		if errors.Is(err, ErrSessionBroken) || errors.Is(err, ErrInternal) {
			return nil, err
		}
	}
	if !req.IsCall() {
		if err != nil {
			t.logger.Warn().Err(err).Str("method", req.Method).Msg("notification handler failed")
		}
		return nil, nil
	}
	return t.respond(req.ID, result, err)
}

func (t *Transport) invoke(ctx context.Context, call *Call) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			t.logger.Error().
				Str("method", call.Request.Method).
				Interface("panic", recovered).
				Bytes("stack", debug.Stack()).
				Msg("session handler panicked")
			result, err = nil, fmt.Errorf("%w: handler panic in %s", ErrInternal, call.Request.Method)
		}
	}()
	if t.handler == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found"}
	}
	return t.handler.Handle(ctx, call)
}

func (t *Transport) respond(id jsonrpc.ID, result any, err error) (*jsonrpc.Response, error) {
	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		return &jsonrpc.Response{ID: id, Error: wireErr}, nil
	}
	if err != nil {
		result = &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			IsError: true,
		}
	}

	raw := json.RawMessage(`{}`)
	if result != nil {
		encoded, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return nil, fmt.Errorf("%w: marshal result: %v", ErrInternal, marshalErr)
		}
		raw = encoded
	}
	return &jsonrpc.Response{ID: id, Result: raw}, nil
}

// push stores msg under the session stream and forwards it to the live
// subscriber. A subscriber whose buffer is full is detached.
func (t *Transport) push(msg jsonrpc.Message) (string, error) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return "", fmt.Errorf("encode push message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return "", ErrSessionClosed
	}

	id := t.events.StoreEvent(t.sessionID, data)
	t.metrics.EventStored()
	if t.sub != nil && !t.sub.offer(Event{ID: id, Data: data}) {
		t.logger.Warn().Str("event_id", id).Msg("push subscriber too slow; detaching")
		t.detachLocked()
	}
	return id, nil
}

// Subscribe attaches a push stream, replacing any previous one. When
// lastEventID names an event of this session, the events stored after it are
// returned as the subscription replay. Unknown hints start a fresh stream.
func (t *Transport) Subscribe(lastEventID string) (*Subscription, error) {
	sub := newSubscription(t.buffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return nil, ErrSessionClosed
	}

	if lastEventID != "" {
		streamID, err := t.events.ReplayEventsAfter(lastEventID, func(eventID string, message []byte) error {
			sub.replay = append(sub.replay, Event{ID: eventID, Data: message})
			return nil
		})
		switch {
		case errors.Is(err, eventstore.ErrEventNotFound):
			t.logger.Debug().Str("last_event_id", lastEventID).Msg("resume hint unknown; starting fresh stream")
		case err != nil:
			return nil, fmt.Errorf("replay after %s: %w", lastEventID, err)
		case streamID != t.sessionID:
			t.logger.Warn().Str("last_event_id", lastEventID).Msg("resume hint belongs to another session; ignoring")
			sub.replay = nil
		}
	}

	if t.sub != nil {
		t.detachLocked()
	}
	t.sub = sub
	t.metrics.SubscriberAttached()
	return sub, nil
}

// Unsubscribe detaches sub if it is still the active subscription.
func (t *Transport) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == sub {
		t.detachLocked()
		return
	}
	sub.end()
}

func (t *Transport) detachLocked() {
	t.sub.end()
	t.sub = nil
	t.metrics.SubscriberDetached()
}

// Close moves the transport to StateClosed, ends the push stream, cancels
// in-flight handler contexts, and closes the handler. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	if t.sub != nil {
		t.detachLocked()
	}
	t.mu.Unlock()

	t.cancel()
	if closer, ok := t.handler.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close session handler: %w", err)
		}
	}
	return nil
}
