// Package adapter defines the contract between the orchestrator and the
// upstream wire dialects, plus shared HTTP plumbing for implementations.
package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/arbiterai/arbiter/internal"
)

// Adapter translates standardized requests to one upstream wire dialect
// and drives the HTTP connection. Implementations are stateless apart
// from the injected HTTP client; all per-deployment attributes come from
// the ModelVariant passed to each call.
type Adapter interface {
	// Kind returns the wire dialect this adapter speaks.
	Kind() gateway.AdapterKind
	// IsConfigured reports whether the variant's credentials resolve.
	IsConfigured(v *gateway.ModelVariant) bool
	// ValidateRequest reports whether the request can be expressed in this
	// dialect for the given variant.
	ValidateRequest(req *gateway.ChatRequest, v *gateway.ModelVariant) bool
	// Endpoint returns the URL a request for the variant is sent to.
	Endpoint(v *gateway.ModelVariant) string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (*gateway.ChatResponse, error)
	// ChatCompletionStream opens a streaming connection and returns a channel
	// of normalized chunks. The channel is closed after a Done sentinel or an
	// error chunk.
	ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (<-chan gateway.StreamChunk, error)
}

// ResolveKey resolves a variant's API key from the environment.
// The ref names an env var; the secret itself is never stored or logged.
func ResolveKey(v *gateway.ModelVariant) string {
	if v.APIKeyRef == "" {
		return ""
	}
	return os.Getenv(v.APIKeyRef)
}

// APIError represents an error response from an upstream LLM provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for classification decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// NewHTTPClient builds a tuned http.Client for upstream calls. If resolver
// is non-nil, DialContext is wrapped with cached DNS lookups. A zero
// timeout leaves the client open-ended for streaming; callers bound
// streams through the request context instead.
func NewHTTPClient(resolver *dnscache.Resolver, timeout time.Duration) *http.Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &http.Client{Transport: t, Timeout: timeout}
}
