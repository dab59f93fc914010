// Package eventstore keeps the append-only log of messages pushed to MCP
// sessions so a reconnecting subscriber can resume after its last seen event.
package eventstore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEventNotFound reports that a resume hint does not match any stored event.
var ErrEventNotFound = errors.New("event not found")

// idWidth keeps event ids fixed-width so lexical order matches insertion order.
const idWidth = 20

// Event is one persisted, replayable message within a stream.
type Event struct {
	ID       string
	StreamID string
	Message  []byte
	StoredAt time.Time
}

// Sink receives replayed events in stream order. Returning an error stops the replay.
type Sink func(eventID string, message []byte) error

type eventRef struct {
	streamID string
	index    int
}

// Store is an in-memory event log partitioned by stream.
//
// A session's stream id is its session id, so clearing a session drops exactly
// one stream. Growth is unbounded until ClearSession is called.
type Store struct {
	mu      sync.RWMutex
	seq     uint64
	streams map[string][]Event
	byID    map[string]eventRef
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the insertion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		streams: make(map[string][]Event),
		byID:    make(map[string]eventRef),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreEvent appends message to the named stream and returns its id.
// Ids are strictly increasing across all streams for the life of the store.
func (s *Store) StoreEvent(streamID string, message []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("%0*d", idWidth, s.seq)
	s.streams[streamID] = append(s.streams[streamID], Event{
		ID:       id,
		StreamID: streamID,
		Message:  message,
		StoredAt: s.now(),
	})
	s.byID[id] = eventRef{streamID: streamID, index: len(s.streams[streamID]) - 1}
	return id
}

// ReplayEventsAfter sends every event stored after lastEventID on the same
// stream to sink, oldest first, and returns that stream id.
//
// Replay never crosses into another stream. An unknown id replays nothing and
// returns ErrEventNotFound.
func (s *Store) ReplayEventsAfter(lastEventID string, sink Sink) (string, error) {
	if sink == nil {
		return "", errors.New("replay sink is required")
	}

	s.mu.RLock()
	ref, ok := s.byID[lastEventID]
	var pending []Event
	if ok {
		events := s.streams[ref.streamID]
		// Copy out so the sink runs without holding the lock.
		pending = append([]Event(nil), events[ref.index+1:]...)
	}
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("replay after %q: %w", lastEventID, ErrEventNotFound)
	}
	for _, evt := range pending {
		if err := sink(evt.ID, evt.Message); err != nil {
			return ref.streamID, fmt.Errorf("replay event %s: %w", evt.ID, err)
		}
	}
	return ref.streamID, nil
}

// ClearSession evicts every event of the session's stream. Clearing an
// unknown session is a no-op.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, evt := range s.streams[sessionID] {
		delete(s.byID, evt.ID)
	}
	delete(s.streams, sessionID)
}

// Len returns the number of events held for a stream.
func (s *Store) Len(streamID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamID])
}

// streamCount returns the number of non-empty streams.
func (s *Store) streamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}
