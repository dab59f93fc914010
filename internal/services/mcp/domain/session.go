package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stacc/flow-mcp/internal/services/mcp/downstream"
	"github.com/stacc/flow-mcp/internal/services/mcp/service"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// LatestProtocolVersion is offered when the client asks for an unknown version.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{LatestProtocolVersion, "2025-03-26", "2024-11-05"}

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// APIClient performs downstream API calls.
type APIClient interface {
	Do(ctx context.Context, req downstream.Request) (*downstream.Response, error)
}

// Config holds the dependencies shared by every session handler.
type Config struct {
	Downstream    APIClient
	ServerName    string
	ServerVersion string
	Instructions  string
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Session answers protocol methods for one MCP session.
type Session struct {
	id      string
	cfg     Config
	printer *message.Printer
	created time.Time
	tools   []*mcp.Tool

	mu              sync.Mutex
	requests        int
	toolCalls       int
	initialized     bool
	protocolVersion string
	client          *mcp.Implementation
}

// NewHandlerFactory returns a factory building one Session per session id.
func NewHandlerFactory(cfg Config) (service.HandlerFactory, error) {
	if cfg.Downstream == nil {
		return nil, fmt.Errorf("downstream client is required")
	}
	if strings.TrimSpace(cfg.ServerName) == "" {
		cfg.ServerName = "flow-mcp"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tools, err := toolDefinitions()
	if err != nil {
		return nil, err
	}
	return func(sessionID string) service.Handler {
		return newSession(sessionID, cfg, tools)
	}, nil
}

func newSession(id string, cfg Config, tools []*mcp.Tool) *Session {
	return &Session{
		id:      id,
		cfg:     cfg,
		printer: message.NewPrinter(language.English),
		created: cfg.Now(),
		tools:   tools,
	}
}

// Handle routes one protocol message.
func (s *Session) Handle(ctx context.Context, call *service.Call) (any, error) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	method := call.Request.Method
	switch method {
	case methodInitialize:
		return s.initialize(call.Request.Params)
	case methodInitialized:
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		return nil, nil
	case methodPing:
		return struct{}{}, nil
	case methodToolsList:
		return &mcp.ListToolsResult{Tools: s.tools}, nil
	case methodToolsCall:
		return s.callTool(ctx, call)
	}
	if strings.HasPrefix(method, "notifications/") {
		return nil, nil
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found: " + method}
}

// Close logs the session summary.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Logger.Debug().
		Str("session_id", s.id).
		Int("requests", s.requests).
		Int("tool_calls", s.toolCalls).
		Dur("age", s.cfg.Now().Sub(s.created)).
		Msg("session handler closed")
	return nil
}

func (s *Session) initialize(raw json.RawMessage) (*mcp.InitializeResult, error) {
	var params mcp.InitializeParams
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid initialize params"}
		}
	}
	version := negotiateProtocolVersion(params.ProtocolVersion)

	s.mu.Lock()
	s.protocolVersion = version
	s.client = params.ClientInfo
	s.mu.Unlock()

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: &mcp.ServerCapabilities{
			Tools:   &mcp.ToolCapabilities{},
			Logging: &mcp.LoggingCapabilities{},
		},
		ServerInfo: &mcp.Implementation{
			Name:    s.cfg.ServerName,
			Version: s.cfg.ServerVersion,
		},
		Instructions: s.cfg.Instructions,
	}, nil
}

// negotiateProtocolVersion echoes a supported requested version and
// otherwise offers the latest.
func negotiateProtocolVersion(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}
