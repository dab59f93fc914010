package service

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacc/flow-mcp/internal/platform/ratelimiter"
)

// ErrRateLimited reports a request rejected by the rate limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// RequestRateLimiter admits or rejects inbound requests.
type RequestRateLimiter interface {
	Allow(r *http.Request) error
}

// clientRateLimiter applies one token bucket per client address.
type clientRateLimiter struct {
	limiter *ratelimiter.MapLimiter
	now     func() time.Time
}

// NewClientRateLimiter limits each client address to rps requests per second
// with the given burst. It returns nil when rps is not positive.
func NewClientRateLimiter(rps float64, burst int) RequestRateLimiter {
	limiter := ratelimiter.New(rps, burst, 0)
	if limiter == nil {
		return nil
	}
	return &clientRateLimiter{limiter: limiter, now: time.Now}
}

func (l *clientRateLimiter) Allow(r *http.Request) error {
	if l.limiter.Allow(clientKey(r), l.now()) {
		return nil
	}
	return ErrRateLimited
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (t *HTTPTransport) allowRequest(w http.ResponseWriter, r *http.Request) bool {
	if t.rateLimiter == nil {
		return true
	}
	if err := t.rateLimiter.Allow(r); err != nil {
		t.logger.Warn().Err(err).Str("client", clientKey(r)).Msg("request rejected")
		w.Header().Set("Retry-After", "1")
		writeProtocolError(w, http.StatusTooManyRequests, codeValidationError, "Too many requests")
		return false
	}
	return true
}

// writeCORSHeaders lets browser clients read the session header.
func (t *HTTPTransport) writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", t.corsOrigin)
	if t.corsOrigin != "*" {
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Last-Event-ID")
	h.Set("Access-Control-Expose-Headers", headerSessionID)
}

// validateLocalRequest enforces host access to mitigate DNS rebinding.
// It checks Host and Origin headers against the allowed hosts so remote web
// pages cannot reach a local server via rebinding.
func (t *HTTPTransport) validateLocalRequest(r *http.Request) error {
	if r == nil {
		return fmt.Errorf("invalid request")
	}
	if t.allowAnyHost {
		return nil
	}

	if !t.isAllowedHostHeader(r.Host) {
		return fmt.Errorf("invalid host")
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid origin")
	}
	if !t.isAllowedHostHeader(parsed.Host) {
		return fmt.Errorf("invalid origin")
	}
	return nil
}

// isAllowedHostHeader reports whether a Host/Origin header resolves to an allowed host.
// The default posture is local-only unless explicit hosts are configured.
func (t *HTTPTransport) isAllowedHostHeader(host string) bool {
	resolvedHost, ok := normalizeHost(host)
	if !ok {
		return false
	}
	if isLoopbackHost(resolvedHost) {
		return true
	}
	_, ok = t.allowedHosts[strings.ToLower(resolvedHost)]
	return ok
}

// isLoopbackHost reports whether a host is an explicit loopback name.
func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// parseAllowedHosts normalizes configured hosts and reports whether "*" was given.
func parseAllowedHosts(hosts []string) (map[string]struct{}, bool) {
	result := make(map[string]struct{}, len(hosts))
	allowAny := false
	for _, entry := range hosts {
		trimmed := strings.ToLower(strings.TrimSpace(entry))
		switch trimmed {
		case "":
			continue
		case "*":
			allowAny = true
		default:
			result[trimmed] = struct{}{}
		}
	}
	return result, allowAny
}

// normalizeHost extracts the hostname portion from Host/Origin headers.
func normalizeHost(host string) (string, bool) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", false
	}

	if strings.HasPrefix(host, "[") {
		if splitHost, _, err := net.SplitHostPort(host); err == nil {
			return splitHost, true
		}
		if strings.HasSuffix(host, "]") {
			return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), true
		}
		return "", false
	}

	if strings.Count(host, ":") > 1 {
		return host, true
	}

	if strings.Contains(host, ":") {
		splitHost, _, err := net.SplitHostPort(host)
		if err != nil {
			return "", false
		}
		return splitHost, true
	}

	return host, true
}
