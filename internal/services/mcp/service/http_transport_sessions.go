package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stacc/flow-mcp/internal/platform/telemetry/metrics"
	"github.com/stacc/flow-mcp/internal/services/mcp/eventstore"
)

// Registry maps session ids to their transports.
//
// There is no idle expiry: a session lives until it is removed explicitly or
// the registry is closed.
type Registry struct {
	events     *eventstore.Store
	newHandler HandlerFactory
	newID      func() (string, error)
	now        func() time.Time
	logger     zerolog.Logger
	metrics    *metrics.Transport
	buffer     int

	mu       sync.RWMutex
	sessions map[string]*Transport
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() (string, error)) RegistryOption {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics records session and event counters.
func WithMetrics(m *metrics.Transport) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithSubscriberBuffer sets the live event queue size per push stream.
func WithSubscriberBuffer(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithClock overrides the session creation timestamp source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry whose sessions publish through events
// and are served by handlers built with newHandler.
func NewRegistry(events *eventstore.Store, newHandler HandlerFactory, opts ...RegistryOption) *Registry {
	if events == nil {
		events = eventstore.New()
	}
	r := &Registry{
		events:     events,
		newHandler: newHandler,
		newID:      newSessionID,
		now:        time.Now,
		logger:     zerolog.Nop(),
		buffer:     defaultSubscriberBuffer,
		sessions:   make(map[string]*Transport),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Create builds and registers a new session.
func (r *Registry) Create() (string, *Transport, error) {
	id, err := r.newID()
	if err != nil {
		return "", nil, fmt.Errorf("generate session id: %w", err)
	}
	if id == "" {
		return "", nil, errors.New("generate session id: empty id")
	}

	var handler Handler
	if r.newHandler != nil {
		handler = r.newHandler(id)
	}
	transport := newTransport(id, handler, r.events, transportConfig{
		createdAt: r.now(),
		metrics:   r.metrics,
		logger:    r.logger,
		buffer:    r.buffer,
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = transport.Close()
		return "", nil, ErrRegistryClosed
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		_ = transport.Close()
		return "", nil, fmt.Errorf("session id collision: %s", id)
	}
	r.sessions[id] = transport
	r.mu.Unlock()

	r.metrics.SessionCreated()
	r.logger.Info().Str("session_id", id).Msg("session created")
	return id, transport, nil
}

// Get returns the transport for id.
func (r *Registry) Get(id string) (*Transport, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	transport, ok := r.sessions[id]
	return transport, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove closes the session and clears its stored events. Removing an
// unknown id is a no-op. A failed close returns a *CloseError; the session is
// evicted either way.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	transport, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.teardown(transport)
}

// CloseAll closes every session and refuses new ones. Failures are logged
// and joined; the remaining sessions are still closed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	transports := make([]*Transport, 0, len(r.sessions))
	for _, transport := range r.sessions {
		transports = append(transports, transport)
	}
	r.sessions = make(map[string]*Transport)
	r.mu.Unlock()

	var errs []error
	for _, transport := range transports {
		if err := r.teardown(transport); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) teardown(transport *Transport) error {
	id := transport.SessionID()
	var closeErr error
	if err := transport.Close(); err != nil {
		closeErr = &CloseError{SessionID: id, Err: err}
		r.logger.Error().Err(err).Str("session_id", id).Msg("session close failed")
	}
	r.events.ClearSession(id)
	r.metrics.SessionClosed()
	r.logger.Info().
		Str("session_id", id).
		Dur("age", r.now().Sub(transport.CreatedAt())).
		Msg("session closed")
	return closeErr
}
