package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stacc/flow-mcp/internal/platform/telemetry/metrics"
	"github.com/stacc/flow-mcp/internal/platform/timeouts"
	"golang.org/x/sync/errgroup"
)

var listenTCP = net.Listen

const (
	// DefaultAddr keeps the server on loopback unless configured otherwise.
	DefaultAddr = "localhost:8081"

	// defaultMaxBodyBytes caps a single POSTed JSON-RPC message.
	defaultMaxBodyBytes = 4 << 20

	headerSessionID   = "Mcp-Session-Id"
	headerLastEventID = "Last-Event-ID"
	endpointPath      = "/mcp"
)

// HTTPConfig configures the HTTP router.
type HTTPConfig struct {
	Addr string
	// AllowedHosts extends the loopback-only Host/Origin allow list.
	// A "*" entry disables the check.
	AllowedHosts []string
	// CORSOrigin is sent as Access-Control-Allow-Origin; empty means "*".
	CORSOrigin  string
	RateLimiter RequestRateLimiter
	Logger      zerolog.Logger
	Metrics     *metrics.Transport
	// KeepaliveInterval spaces comment frames on idle push streams.
	KeepaliveInterval time.Duration
	MaxBodyBytes      int64
}

// HTTPTransport routes streamable HTTP requests on /mcp to session
// transports held in a Registry.
//
// POST carries client messages, GET opens the resumable push stream, and
// DELETE ends a session. Every request passes the same host guard, CORS
// headers, and rate limit.
type HTTPTransport struct {
	addr         string
	allowedHosts map[string]struct{}
	allowAnyHost bool
	corsOrigin   string
	registry     *Registry
	rateLimiter  RequestRateLimiter
	logger       zerolog.Logger
	metrics      *metrics.Transport
	keepalive    time.Duration
	maxBodyBytes int64
	now          func() time.Time
	httpServer   *http.Server
}

// NewHTTPTransport creates a router over registry.
func NewHTTPTransport(registry *Registry, cfg HTTPConfig) *HTTPTransport {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = timeouts.SSEKeepalive
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	corsOrigin := strings.TrimSpace(cfg.CORSOrigin)
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	allowedHosts, allowAny := parseAllowedHosts(cfg.AllowedHosts)
	return &HTTPTransport{
		addr:         addr,
		allowedHosts: allowedHosts,
		allowAnyHost: allowAny,
		corsOrigin:   corsOrigin,
		registry:     registry,
		rateLimiter:  cfg.RateLimiter,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		keepalive:    keepalive,
		maxBodyBytes: maxBody,
		now:          time.Now,
	}
}

// Handler returns the routing handler for /mcp, /health, and /metrics.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpointPath, t.handleMCP)
	mux.HandleFunc("/health", t.handleHealth)
	mux.Handle("/metrics", t.metrics.Handler())
	return mux
}

func (t *HTTPTransport) handleMCP(w http.ResponseWriter, r *http.Request) {
	start := t.now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		t.metrics.ObserveRequest(r.Method, rec.status, t.now().Sub(start))
	}()

	t.writeCORSHeaders(rec)
	if r.Method == http.MethodOptions {
		rec.WriteHeader(http.StatusNoContent)
		return
	}
	if err := t.validateLocalRequest(r); err != nil {
		writeProtocolError(rec, http.StatusForbidden, codeValidationError, err.Error())
		return
	}
	if !t.allowRequest(rec, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		t.handleMessages(rec, r)
	case http.MethodGet:
		t.handleSSE(rec, r)
	case http.MethodDelete:
		t.handleDelete(rec, r)
	default:
		rec.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(rec, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete ends the session named by the request header.
func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(headerSessionID))
	if _, ok := t.registry.Get(sessionID); !ok {
		writeSessionError(w, "Bad Request: no valid session ID provided")
		return
	}
	if err := t.registry.Remove(sessionID); err != nil {
		t.logger.Error().Err(err).Str("session_id", sessionID).Msg("session teardown failed")
		writeInternalError(w)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Start listens on the configured address and serves until ctx ends.
func (t *HTTPTransport) Start(ctx context.Context) error {
	listener, err := listenTCP("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.addr, err)
	}
	return t.Serve(ctx, listener)
}

// Serve handles requests on listener until ctx ends, then closes every
// session and shuts the server down gracefully.
func (t *HTTPTransport) Serve(ctx context.Context, listener net.Listener) error {
	t.httpServer = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	t.logger.Info().Str("addr", listener.Addr().String()).Msg("starting MCP HTTP server")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := t.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		t.logger.Info().Msg("shutting down MCP HTTP server")
		// Ending sessions first lets open push streams return so Shutdown can drain.
		if err := t.registry.CloseAll(); err != nil {
			t.logger.Warn().Err(err).Msg("session cleanup incomplete")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := t.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
