// Package downstream performs the outbound HTTP calls made on behalf of MCP
// requests. Callers pass the headers forwarded from the inbound request; the
// client never caches them.
package downstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacc/flow-mcp/internal/platform/requestctx"
	"github.com/stacc/flow-mcp/internal/platform/timeouts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/stacc/flow-mcp/internal/services/mcp/downstream"

	// defaultMaxBodyBytes caps how much of a downstream response is buffered.
	defaultMaxBodyBytes = 1 << 20
	// errorBodySnippet bounds the body text kept on an Error.
	errorBodySnippet = 512
)

// ErrInvalidPath reports a request path that would leave the configured API.
var ErrInvalidPath = errors.New("downstream path must be relative to the base URL")

// Error describes a failed downstream call: a transport failure, a timeout, or
// a non-2xx status.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the call hit the client deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Request is one outbound call.
type Request struct {
	Method string
	// Path is resolved against the client base URL and may carry a query.
	Path    string
	Headers http.Header
	Body    []byte
}

// Response is a buffered downstream response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Client calls one downstream HTTP API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxBody    int64
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout bounds every call; non-positive values keep the default.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithMaxBodyBytes caps buffered response bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse downstream base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("downstream base url %q must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("downstream base url %q has no host", baseURL)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{},
		timeout:    timeouts.Downstream,
		maxBody:    defaultMaxBodyBytes,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Do performs the call within the client timeout. Non-2xx responses are
// returned together with an *Error so callers can still show the body.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.resolve(req.Path)
	if err != nil {
		return nil, &Error{Method: method, URL: req.Path, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "downstream "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.full", target.String()),
	)
	if sessionID := requestctx.SessionIDFromContext(ctx); sessionID != "" {
		span.SetAttributes(attribute.String("mcp.session_id", sessionID))
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, c.fail(span, &Error{Method: method, URL: target.String(), Err: err})
	}
	for name, values := range req.Headers {
		// An explicit Accept-Encoding turns off transparent gzip decoding.
		if http.CanonicalHeaderKey(name) == "Accept-Encoding" {
			continue
		}
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := c.now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, c.fail(span, &Error{Method: method, URL: target.String(), Err: err})
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody))
	if err != nil {
		return nil, c.fail(span, &Error{Method: method, URL: target.String(), Err: fmt.Errorf("read body: %w", err)})
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header.Clone(),
		Body:       data,
		Duration:   c.now().Sub(start),
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, c.fail(span, &Error{
			Method:     method,
			URL:        target.String(),
			StatusCode: resp.StatusCode,
			Body:       snippet(data),
		})
	}
	return resp, nil
}

func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("parse path: %w", err)
	}
	if ref.IsAbs() || ref.Host != "" || strings.HasPrefix(ref.Path, "//") {
		return nil, ErrInvalidPath
	}
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	resolved := c.baseURL.ResolveReference(ref)
	if !strings.HasPrefix(resolved.Path, c.baseURL.Path) {
		return nil, ErrInvalidPath
	}
	return resolved, nil
}

func (c *Client) fail(span trace.Span, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > errorBodySnippet {
		return text[:errorBodySnippet] + "..."
	}
	return text
}
