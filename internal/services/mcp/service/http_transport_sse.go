package service

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// handleSSE handles GET /mcp: the session's resumable push stream.
//
// A Last-Event-ID header resumes after that event; the missed events are
// written before anything pushed live. A newer GET for the same session
// replaces this one.
func (t *HTTPTransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(headerSessionID))
	transport, ok := t.registry.Get(sessionID)
	if !ok {
		writeSessionError(w, "Bad Request: no valid session ID provided")
		return
	}
	if !acceptsEventStream(r.Header.Values("Accept")) {
		writeProtocolError(w, http.StatusNotAcceptable, codeValidationError, "Not Acceptable: client must accept text/event-stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.logger.Error().Str("session_id", sessionID).Msg("response writer cannot stream")
		writeInternalError(w)
		return
	}

	lastEventID := strings.TrimSpace(r.Header.Get(headerLastEventID))
	sub, err := transport.Subscribe(lastEventID)
	if err != nil {
		t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("subscribe failed")
		writeSessionError(w, "Bad Request: session closed")
		return
	}
	defer transport.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerSessionID, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := t.logger.With().Str("session_id", sessionID).Logger()
	replay := sub.Replay()
	for _, evt := range replay {
		if err := writeSSEEvent(w, evt); err != nil {
			logger.Debug().Err(err).Msg("replay write failed")
			return
		}
	}
	if len(replay) > 0 {
		t.metrics.EventsReplayed(len(replay))
		logger.Debug().Int("events", len(replay)).Str("last_event_id", lastEventID).Msg("replayed missed events")
	}
	flusher.Flush()

	keepalive := time.NewTicker(t.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-transport.Done():
			return
		case evt := <-sub.Events():
			if err := writeSSEEvent(w, evt); err != nil {
				logger.Debug().Err(err).Msg("push write failed")
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, evt Event) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", evt.ID, evt.Data)
	return err
}

// acceptsEventStream reports whether the Accept header admits an event
// stream. A missing header accepts anything.
func acceptsEventStream(values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			switch mediaType {
			case "text/event-stream", "text/*", "*/*":
				return true
			}
		}
	}
	return false
}
