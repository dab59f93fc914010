package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stacc/flow-mcp/internal/services/mcp/downstream"
	"github.com/stacc/flow-mcp/internal/services/mcp/service"
)

const (
	toolAPIRequest  = "api_request"
	toolSessionInfo = "session_info"

	methodProgress = "notifications/progress"
)

// APIRequestInput represents the MCP tool input for a downstream API call.
type APIRequestInput struct {
	Method string `json:"method,omitempty" jsonschema:"HTTP method; GET when omitted"`
	Path   string `json:"path" jsonschema:"path relative to the API base URL, optionally with a query string"`
	Body   any    `json:"body,omitempty" jsonschema:"JSON request body"`
}

// APIRequestResult represents the MCP tool output for a downstream API call.
type APIRequestResult struct {
	Status     int   `json:"status" jsonschema:"HTTP status code"`
	Body       any   `json:"body,omitempty" jsonschema:"response body, decoded when it is JSON"`
	DurationMS int64 `json:"duration_ms" jsonschema:"call duration in milliseconds"`
}

// SessionInfoInput represents the MCP tool input for session_info.
type SessionInfoInput struct{}

// SessionInfoResult represents the MCP tool output for session_info.
type SessionInfoResult struct {
	SessionID       string `json:"session_id" jsonschema:"current session identifier"`
	ProtocolVersion string `json:"protocol_version,omitempty" jsonschema:"negotiated protocol version"`
	Client          string `json:"client,omitempty" jsonschema:"client name reported at initialize"`
	Requests        int    `json:"requests" jsonschema:"messages handled by this session"`
	ToolCalls       int    `json:"tool_calls" jsonschema:"tool calls handled by this session"`
	AgeSeconds      int64  `json:"age_seconds" jsonschema:"seconds since the session was created"`
}

// APIRequestTool defines the MCP tool schema for downstream API calls.
func APIRequestTool() (*mcp.Tool, error) {
	schema, err := jsonschema.For[APIRequestInput](nil)
	if err != nil {
		return nil, fmt.Errorf("infer %s schema: %w", toolAPIRequest, err)
	}
	return &mcp.Tool{
		Name:        toolAPIRequest,
		Description: "Calls the downstream API with the caller's credentials and returns the response",
		InputSchema: schema,
	}, nil
}

// SessionInfoTool defines the MCP tool schema for session introspection.
func SessionInfoTool() (*mcp.Tool, error) {
	schema, err := jsonschema.For[SessionInfoInput](nil)
	if err != nil {
		return nil, fmt.Errorf("infer %s schema: %w", toolSessionInfo, err)
	}
	return &mcp.Tool{
		Name:        toolSessionInfo,
		Description: "Reports the current session id, negotiated protocol version, and usage counters",
		InputSchema: schema,
	}, nil
}

func toolDefinitions() ([]*mcp.Tool, error) {
	apiTool, err := APIRequestTool()
	if err != nil {
		return nil, err
	}
	infoTool, err := SessionInfoTool()
	if err != nil {
		return nil, err
	}
	return []*mcp.Tool{apiTool, infoTool}, nil
}

func (s *Session) callTool(ctx context.Context, call *service.Call) (any, error) {
	var params mcp.CallToolParamsRaw
	if err := json.Unmarshal(call.Request.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid tools/call params"}
	}

	s.mu.Lock()
	s.toolCalls++
	s.mu.Unlock()

	switch params.Name {
	case toolAPIRequest:
		var input APIRequestInput
		if err := decodeArguments(params.Arguments, &input); err != nil {
			return nil, err
		}
		return s.apiRequest(ctx, call, input, params.GetProgressToken())
	case toolSessionInfo:
		return s.sessionInfo(), nil
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Unknown tool: " + params.Name}
	}
}

func decodeArguments(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "Invalid tool arguments"}
	}
	return nil
}

// apiRequest calls the downstream API. Failures of the call itself become
// error results so the client can read and react to them.
func (s *Session) apiRequest(ctx context.Context, call *service.Call, input APIRequestInput, progressToken any) (*mcp.CallToolResult, error) {
	path := strings.TrimSpace(input.Path)
	if path == "" {
		return errorResult("path is required"), nil
	}
	method := strings.ToUpper(strings.TrimSpace(input.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if input.Body != nil {
		encoded, err := json.Marshal(input.Body)
		if err != nil {
			return errorResult(fmt.Sprintf("encode body: %v", err)), nil
		}
		body = encoded
	}

	s.progress(call, progressToken, 0, s.printer.Sprintf("calling %s %s", method, path))
	resp, err := s.cfg.Downstream.Do(ctx, downstream.Request{
		Method:  method,
		Path:    path,
		Headers: call.Headers,
		Body:    body,
	})
	s.progress(call, progressToken, 1, s.printer.Sprintf("%s %s finished", method, path))

	if err != nil {
		var apiErr *downstream.Error
		if !errors.As(err, &apiErr) {
			return nil, fmt.Errorf("call downstream: %w", err)
		}
		s.cfg.Logger.Warn().Err(err).Str("session_id", s.id).Msg("downstream call failed")
		if apiErr.StatusCode != 0 {
			return errorResult(s.printer.Sprintf("%s %s returned status %d: %s", method, path, apiErr.StatusCode, apiErr.Body)), nil
		}
		if apiErr.Timeout() {
			return errorResult(s.printer.Sprintf("%s %s timed out", method, path)), nil
		}
		return errorResult(s.printer.Sprintf("%s %s failed: %v", method, path, apiErr.Err)), nil
	}

	result := APIRequestResult{
		Status:     resp.StatusCode,
		Body:       decodeBody(resp.Body),
		DurationMS: resp.Duration.Milliseconds(),
	}
	summary := s.printer.Sprintf("%s %s returned %d (%d bytes in %d ms)", method, path, resp.StatusCode, len(resp.Body), result.DurationMS)
	content := []mcp.Content{&mcp.TextContent{Text: summary}}
	if len(resp.Body) > 0 {
		content = append(content, &mcp.TextContent{Text: string(resp.Body)})
	}
	return &mcp.CallToolResult{
		Content:           content,
		StructuredContent: result,
	}, nil
}

// progress reports tool progress on the session stream when the client asked
// for it. Delivery failures do not fail the call.
func (s *Session) progress(call *service.Call, token any, done float64, text string) {
	if token == nil {
		return
	}
	_, err := call.Notify(methodProgress, &mcp.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      done,
		Total:         1,
		Message:       text,
	})
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Str("session_id", s.id).Msg("progress notification dropped")
	}
}

func (s *Session) sessionInfo() *mcp.CallToolResult {
	s.mu.Lock()
	info := SessionInfoResult{
		SessionID:       s.id,
		ProtocolVersion: s.protocolVersion,
		Requests:        s.requests,
		ToolCalls:       s.toolCalls,
		AgeSeconds:      int64(s.cfg.Now().Sub(s.created) / time.Second),
	}
	if s.client != nil {
		info.Client = s.client.Name
	}
	s.mu.Unlock()

	text := s.printer.Sprintf("session %s: %d requests, %d tool calls, %d seconds old", info.SessionID, info.Requests, info.ToolCalls, info.AgeSeconds)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: info,
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

// decodeBody returns JSON bodies as values and anything else as text.
func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}
