// Package openaiwire implements the adapter.Adapter contract for upstreams
// speaking the OpenAI chat-completions dialect (OpenAI, Azure OpenAI,
// DeepInfra, DeepSeek, and other compatibles).
package openaiwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/adapter/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	dialectName    = "openai"
)

var _ adapter.Adapter = (*Client)(nil)

// Client drives OpenAI-dialect upstreams. One Client serves every variant
// of the dialect; per-deployment attributes (base URL, key ref, extra
// params) come from the ModelVariant on each call.
type Client struct {
	http   *http.Client
	tokens oauth2.TokenSource // nil unless a google-hosted variant is configured
}

// New creates an OpenAI-dialect Client with the given HTTP client.
// tokens is optional and only consulted for variants whose extra_params
// request gcp_oauth authentication.
func New(client *http.Client, tokens oauth2.TokenSource) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{http: client, tokens: tokens}
}

// Kind returns the wire dialect.
func (c *Client) Kind() gateway.AdapterKind { return gateway.AdapterOpenAI }

// IsConfigured reports whether the variant's credentials resolve.
func (c *Client) IsConfigured(v *gateway.ModelVariant) bool {
	if authMode(v) == "gcp_oauth" {
		return c.tokens != nil
	}
	return v.APIKeyRef == "" || adapter.ResolveKey(v) != ""
}

// ValidateRequest reports whether the request can be expressed for the variant.
func (c *Client) ValidateRequest(req *gateway.ChatRequest, v *gateway.ModelVariant) bool {
	if len(req.Tools) > 0 && !v.SupportsToolCalls {
		return false
	}
	return len(req.Messages) > 0
}

// Endpoint returns the chat-completions URL for the variant.
func (c *Client) Endpoint(v *gateway.ModelVariant) string {
	base := v.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/chat/completions"
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (*gateway.ChatResponse, error) {
	body, err := EncodeRequest(req, v, false)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := c.do(ctx, v, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(v.Provider, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. The raw
// SSE data payloads are forwarded as-is in StreamChunk.Data. The channel is
// closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (<-chan gateway.StreamChunk, error) {
	body, err := EncodeRequest(req, v, true)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := c.do(ctx, v, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(v.Provider, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, dialectName, resp, ch)
	return ch, nil
}

func (c *Client) do(ctx context.Context, v *gateway.ModelVariant, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(v), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	if err := c.setHeaders(httpReq, v); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	return resp, nil
}

// setHeaders applies content type and per-variant authentication.
// Azure deployments expect the key in "api-key"; google-hosted variants
// use an OAuth bearer; everything else uses Authorization: Bearer.
func (c *Client) setHeaders(r *http.Request, v *gateway.ModelVariant) error {
	r.Header.Set("Content-Type", "application/json")

	switch authMode(v) {
	case "gcp_oauth":
		if c.tokens == nil {
			return fmt.Errorf("openai: variant %s/%s requires gcp_oauth but no token source is configured", v.Provider, v.ModelID)
		}
		tok, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("openai: obtain GCP token: %w", err)
		}
		r.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	case "azure":
		r.Header.Set("api-key", adapter.ResolveKey(v))
	default:
		if key := adapter.ResolveKey(v); key != "" {
			r.Header.Set("Authorization", "Bearer "+key)
		}
	}
	return nil
}

// authMode reads the variant's auth mode from extra_params.
func authMode(v *gateway.ModelVariant) string {
	if m, ok := v.ExtraParams["auth"].(string); ok {
		return m
	}
	return ""
}

// EncodeRequest marshals the outbound request body for a variant: the
// caller-facing model id is replaced by the upstream's, streaming usage
// reporting is forced on, gateway-only fields are stripped, and the
// variant's extra_params are merged at the top level.
func EncodeRequest(req *gateway.ChatRequest, v *gateway.ModelVariant, streaming bool) ([]byte, error) {
	outReq := *req
	outReq.Model = v.ProviderModelID
	outReq.Provider = nil
	outReq.Compression = false
	outReq.Stream = streaming
	if streaming && outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	data, err := json.Marshal(&outReq)
	if err != nil {
		return nil, err
	}
	if len(v.ExtraParams) == 0 {
		return data, nil
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	for k, val := range v.ExtraParams {
		if k == "auth" || k == "region" {
			continue // gateway-side settings, not wire fields
		}
		body[k] = val
	}
	return json.Marshal(body)
}

// parseAPIError reads up to 4KB from the response body and returns an APIError.
func parseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &adapter.APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
