package service

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"activeConnections"`
	Timestamp         string `json:"timestamp"`
}

// handleHealth handles GET /health.
func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := t.validateLocalRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	payload := healthResponse{
		Status:            "ok",
		ActiveConnections: t.registry.Len(),
		Timestamp:         t.now().UTC().Format(time.RFC3339),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.logger.Warn().Err(err).Msg("failed to write health response")
	}
}
