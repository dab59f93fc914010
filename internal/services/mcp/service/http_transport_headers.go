package service

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopHeaders never leave the inbound hop. Accept and Accept-Encoding
// negotiate the MCP exchange, not the downstream call.
var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Content-Type":      {},
	"Connection":        {},
	"Transfer-Encoding": {},
	"Keep-Alive":        {},
	"Te":                {},
	"Trailer":           {},
	"Upgrade":           {},
	"Expect":            {},
	"Accept":            {},
	"Accept-Encoding":   {},
}

// transportHeaderPrefixes name headers owned by the session transport.
var transportHeaderPrefixes = []string{"proxy-", "mcp-session", "last-event"}

// forwardedHeaders returns the inbound headers a handler may pass to
// downstream calls made for this request.
func forwardedHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	connectionTokens := in.Values("Connection")
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		if !httpguts.ValidHeaderFieldName(canonical) {
			continue
		}
		if _, hop := hopHeaders[canonical]; hop {
			continue
		}
		if httpguts.HeaderValuesContainsToken(connectionTokens, canonical) {
			continue
		}
		if hasTransportPrefix(canonical) {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

func hasTransportPrefix(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range transportHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
