package relay

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/opencode-zen/zen/internal/catalog"
)

// Forwarder builds and sends the upstream request for a selected candidate.
type Forwarder struct {
	client     *http.Client
	pathPrefix string
}

// NewForwarder constructs a Forwarder. pathPrefix is stripped from the
// inbound path before appending to the candidate base URL (e.g. "/v1").
func NewForwarder(client *http.Client, pathPrefix string) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Forwarder{client: client, pathPrefix: pathPrefix}
}

// Do forwards the inbound request with the rewritten body to the candidate.
// Headers are copied with host, content-length, and inbound credentials
// stripped; the adapter injects the provider credential and the candidate's
// header map copies values to provider-specific header names.
func (f *Forwarder) Do(ctx context.Context, inbound *http.Request, candidate catalog.Candidate, adapter Adapter, body []byte) (*http.Response, error) {
	path := inbound.URL.Path
	if f.pathPrefix != "" {
		path = strings.TrimPrefix(path, f.pathPrefix)
	}
	target := strings.TrimRight(candidate.BaseURL, "/") + path
	if inbound.URL.RawQuery != "" {
		target += "?" + inbound.URL.RawQuery
	}

	req, errBuild := http.NewRequestWithContext(ctx, inbound.Method, target, bytes.NewReader(body))
	if errBuild != nil {
		return nil, errBuild
	}

	headers := make(http.Header, len(inbound.Header))
	for name, values := range inbound.Header {
		for _, value := range values {
			headers.Add(name, value)
		}
	}
	headers.Del("Host")
	headers.Del("Content-Length")
	headers.Del("Authorization")
	headers.Del("x-api-key")
	// Let the transport negotiate encoding so the stream observer always
	// sees plain bytes.
	headers.Del("Accept-Encoding")

	adapter.SetAuthHeader(headers, candidate.APIKey)
	for from, to := range candidate.HeaderMap {
		if value := headers.Get(from); value != "" {
			headers.Set(to, value)
		}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}
	req.Header = headers

	return f.client.Do(req)
}

// EchoResponseHeaders copies the allow-listed upstream response headers to
// the client. Everything else, rate-limit and request-id headers included,
// is dropped.
func EchoResponseHeaders(dst http.Header, src http.Header) {
	for _, name := range []string{"Content-Type", "Cache-Control"} {
		if value := src.Get(name); value != "" {
			dst.Set(name, value)
		}
	}
}
