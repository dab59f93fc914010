package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

var (
	// ErrSessionClosed reports use of a session after teardown began.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBroken marks handler failures that must tear the session down.
	ErrSessionBroken = errors.New("session connection broken")
	// ErrRegistryClosed reports a session created after shutdown began.
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrInternal reports an unexpected dispatch failure, such as a handler panic.
	ErrInternal = errors.New("internal error")
)

// codeValidationError is the JSON-RPC code used for session routing failures.
const codeValidationError int64 = -32000

// CloseError reports a session whose teardown failed. The session is evicted
// regardless.
type CloseError struct {
	SessionID string
	Err       error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close session %s: %v", e.SessionID, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// writeProtocolError writes a JSON-RPC error envelope with a null id.
func writeProtocolError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"id": nil,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","error":{"code":%d,"message":"Request failed"},"id":null}`, code)
		return
	}
	_, _ = w.Write(data)
}

func writeSessionError(w http.ResponseWriter, message string) {
	writeProtocolError(w, http.StatusBadRequest, codeValidationError, message)
}

func writeParseError(w http.ResponseWriter) {
	writeProtocolError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "Parse error")
}

// writeInternalError never carries failure detail to the client.
func writeInternalError(w http.ResponseWriter) {
	writeProtocolError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Internal error")
}
