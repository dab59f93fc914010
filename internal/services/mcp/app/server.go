// Package app assembles the MCP HTTP process from its parts.
package app

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
	"github.com/stacc/flow-mcp/internal/services/mcp/domain"
	"github.com/stacc/flow-mcp/internal/services/mcp/downstream"
	"github.com/stacc/flow-mcp/internal/services/mcp/eventstore"
	"github.com/stacc/flow-mcp/internal/services/mcp/service"
)

// Config defines the inputs for the MCP HTTP boundary.
type Config struct {
	HTTPAddr          string
	DownstreamURL     string
	DownstreamTimeout time.Duration
	AllowedHosts      []string
	CORSOrigin        string
	RateLimitRPS      float64
	RateLimitBurst    int
	ServerName        string
	ServerVersion     string
	Logger            zerolog.Logger
	// HTTPClient overrides the downstream HTTP client.
	HTTPClient *http.Client
}

// Server hosts the MCP HTTP process.
//
// It owns the event store and session registry; sessions answer protocol
// methods through the domain handler and reach the downstream API with the
// caller's forwarded headers.
type Server struct {
	store     *eventstore.Store
	registry  *service.Registry
	transport *service.HTTPTransport
	metrics   *metrics.Transport
	logger    zerolog.Logger
}

// NewServer builds the process components without listening.
func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.DownstreamURL) == "" {
		return nil, errors.New("downstream URL is required")
	}
	api, err := downstream.New(cfg.DownstreamURL,
		downstream.WithTimeout(cfg.DownstreamTimeout),
		downstream.WithHTTPClient(cfg.HTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("downstream client: %w", err)
	}
	factory, err := domain.NewHandlerFactory(domain.Config{
		Downstream:    api,
		ServerName:    cfg.ServerName,
		ServerVersion: cfg.ServerVersion,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session handler: %w", err)
	}

	s := &Server{
		store:  eventstore.New(),
		logger: cfg.Logger,
	}
	s.metrics = metrics.NewTransport(func() int { return s.registry.Len() })
	s.registry = service.NewRegistry(s.store, factory,
		service.WithLogger(cfg.Logger),
		service.WithMetrics(s.metrics),
	)
	s.transport = service.NewHTTPTransport(s.registry, service.HTTPConfig{
		Addr:         cfg.HTTPAddr,
		AllowedHosts: cfg.AllowedHosts,
		CORSOrigin:   cfg.CORSOrigin,
		RateLimiter:  service.NewClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:       cfg.Logger,
		Metrics:      s.metrics,
	})

	cfg.Logger.Info().
		Str("downstream", api.BaseURL()).
		Float64("rate_limit_rps", cfg.RateLimitRPS).
		Msg("MCP server configured")
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.transport.Handler()
}

// Registry exposes the live sessions.
func (s *Server) Registry() *service.Registry {
	return s.registry
}

// Serve runs on listener until ctx ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	return s.transport.Serve(ctx, listener)
}

// ListenAndServe runs on the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	return s.transport.Start(ctx)
}

// Run builds the server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := NewServer(cfg)
	if err != nil {
		return err
	}
	return server.ListenAndServe(ctx)
}
