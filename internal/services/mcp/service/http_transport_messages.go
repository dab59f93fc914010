package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const methodInitialize = "initialize"

// handleMessages handles POST /mcp.
//
// A request naming a live session is routed to it. A request with no session
// header must be an initialize call, which creates the session and returns
// its id in the response header. Anything else is rejected without side
// effects.
func (t *HTTPTransport) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProtocolError(w, http.StatusRequestEntityTooLarge, jsonrpc.CodeInvalidRequest, "Request body too large")
			return
		}
		writeParseError(w)
		return
	}
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		t.logger.Debug().Err(err).Msg("rejecting unparsable message")
		writeParseError(w)
		return
	}

	sessionID := strings.TrimSpace(r.Header.Get(headerSessionID))
	req, isRequest := msg.(*jsonrpc.Request)
	if !isRequest {
		// Client responses answer server requests; none are issued, so they
		// are acknowledged once the session checks out.
		if _, ok := t.registry.Get(sessionID); !ok {
			writeSessionError(w, "Bad Request: no valid session ID provided")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var (
		transport *Transport
		created   bool
	)
	if sessionID != "" {
		existing, ok := t.registry.Get(sessionID)
		if !ok {
			writeSessionError(w, "Bad Request: no valid session ID provided")
			return
		}
		transport = existing
	} else {
		if req.Method != methodInitialize || !req.IsCall() {
			writeSessionError(w, "Bad Request: no valid session ID provided")
			return
		}
		if !validInitializeParams(req.Params) {
			writeProtocolError(w, http.StatusBadRequest, jsonrpc.CodeInvalidParams, "Invalid initialize params")
			return
		}
		newID, newTransport, err := t.registry.Create()
		if errors.Is(err, ErrRegistryClosed) {
			writeProtocolError(w, http.StatusServiceUnavailable, jsonrpc.CodeInternalError, "Server shutting down")
			return
		}
		if err != nil {
			t.logger.Error().Err(err).Msg("session creation failed")
			writeInternalError(w)
			return
		}
		sessionID, transport, created = newID, newTransport, true
	}

	resp, err := transport.Dispatch(r.Context(), req, forwardedHeaders(r.Header))
	if err != nil {
		t.handleDispatchError(w, sessionID, req, created, err)
		return
	}

	if created {
		if resp != nil && resp.Error != nil {
			t.discardSession(sessionID)
		} else {
			w.Header().Set(headerSessionID, sessionID)
		}
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	data, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		t.logger.Error().Err(err).Str("session_id", sessionID).Str("method", req.Method).Msg("encode response failed")
		writeInternalError(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		t.logger.Debug().Err(err).Str("session_id", sessionID).Msg("write response failed")
	}
}

func (t *HTTPTransport) handleDispatchError(w http.ResponseWriter, sessionID string, req *jsonrpc.Request, created bool, err error) {
	logger := t.logger.With().Str("session_id", sessionID).Str("method", req.Method).Logger()
	switch {
	case created:
		logger.Error().Err(err).Msg("initialize failed; discarding session")
		t.discardSession(sessionID)
		writeInternalError(w)
	case errors.Is(err, ErrSessionClosed):
		writeSessionError(w, "Bad Request: session closed")
	case errors.Is(err, ErrSessionBroken):
		logger.Error().Err(err).Msg("session broken; removing")
		t.discardSession(sessionID)
		writeInternalError(w)
	default:
		logger.Error().Err(err).Msg("dispatch failed")
		writeInternalError(w)
	}
}

func (t *HTTPTransport) discardSession(sessionID string) {
	if err := t.registry.Remove(sessionID); err != nil {
		t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session discard incomplete")
	}
}

// validInitializeParams accepts absent params or a JSON object.
func validInitializeParams(params json.RawMessage) bool {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var fields map[string]json.RawMessage
	return json.Unmarshal(trimmed, &fields) == nil
}
