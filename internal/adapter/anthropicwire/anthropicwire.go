// Package anthropicwire implements the adapter.Adapter contract for the
// Anthropic Messages dialect, both direct API access and AWS Bedrock
// hosting (SigV4-signed invoke with binary event streams).
package anthropicwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/cloudauth"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	dialectName      = "anthropic"
	anthropicVersion = "2023-06-01"
	bedrockVersion   = "bedrock-2023-05-31"
	defaultRegion    = "us-east-1"
)

var (
	_ adapter.Adapter = (*Client)(nil)
	_ adapter.Adapter = (*BedrockClient)(nil)
)

// Client drives the Anthropic API directly, authenticating with the
// variant's x-api-key.
type Client struct {
	http *http.Client
}

// New creates a direct Anthropic Client.
func New(client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{http: client}
}

// Kind returns the wire dialect.
func (c *Client) Kind() gateway.AdapterKind { return gateway.AdapterAnthropic }

// IsConfigured reports whether the variant's API key resolves.
func (c *Client) IsConfigured(v *gateway.ModelVariant) bool {
	return adapter.ResolveKey(v) != ""
}

// ValidateRequest reports whether the request can be expressed for the variant.
func (c *Client) ValidateRequest(req *gateway.ChatRequest, v *gateway.ModelVariant) bool {
	if len(req.Tools) > 0 && !v.SupportsToolCalls {
		return false
	}
	return len(req.Messages) > 0
}

// Endpoint returns the messages URL for the variant.
func (c *Client) Endpoint(v *gateway.ModelVariant) string {
	base := v.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/messages"
}

// ChatCompletion sends a non-streaming request and translates the response.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (*gateway.ChatResponse, error) {
	aReq, err := TranslateRequest(req, v, false)
	if err != nil {
		return nil, fmt.Errorf("anthropic: translate request: %w", err)
	}
	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(v), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", adapter.ResolveKey(v))
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(v.Provider, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return TranslateResponse(data)
}

// ChatCompletionStream opens an SSE stream and translates Anthropic events
// to OpenAI-format chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (<-chan gateway.StreamChunk, error) {
	aReq, err := TranslateRequest(req, v, true)
	if err != nil {
		return nil, fmt.Errorf("anthropic: translate request: %w", err)
	}
	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(v), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", adapter.ResolveKey(v))
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(v.Provider, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// BedrockClient drives Anthropic models hosted on AWS Bedrock. Requests
// carry the bedrock anthropic_version and are SigV4-signed; streaming uses
// the AWS binary event-stream framing.
type BedrockClient struct {
	http   *http.Client
	signer *cloudauth.AWSSigner
}

// NewBedrock creates a Bedrock-hosted Anthropic client. signer may be nil
// when no AWS credentials are available; the adapter then reports every
// variant as unconfigured.
func NewBedrock(client *http.Client, signer *cloudauth.AWSSigner) *BedrockClient {
	if client == nil {
		client = &http.Client{}
	}
	return &BedrockClient{http: client, signer: signer}
}

// Kind returns the wire dialect.
func (c *BedrockClient) Kind() gateway.AdapterKind { return gateway.AdapterBedrock }

// IsConfigured reports whether SigV4 signing is available.
func (c *BedrockClient) IsConfigured(*gateway.ModelVariant) bool {
	return c.signer != nil
}

// ValidateRequest reports whether the request can be expressed for the variant.
func (c *BedrockClient) ValidateRequest(req *gateway.ChatRequest, v *gateway.ModelVariant) bool {
	if len(req.Tools) > 0 && !v.SupportsToolCalls {
		return false
	}
	return len(req.Messages) > 0
}

// Endpoint returns the invoke URL for the variant's region and model.
func (c *BedrockClient) Endpoint(v *gateway.ModelVariant) string {
	return c.endpoint(v, false)
}

func (c *BedrockClient) endpoint(v *gateway.ModelVariant, streaming bool) string {
	base := v.BaseURL
	if base == "" {
		base = "https://bedrock-runtime." + region(v) + ".amazonaws.com"
	}
	action := "/invoke"
	if streaming {
		action = "/invoke-with-response-stream"
	}
	return strings.TrimRight(base, "/") + "/model/" + url.PathEscape(v.ProviderModelID) + action
}

func region(v *gateway.ModelVariant) string {
	if r, ok := v.ExtraParams["region"].(string); ok && r != "" {
		return r
	}
	return defaultRegion
}

func (c *BedrockClient) do(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant, streaming bool) (*http.Response, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("anthropic: bedrock variant %s/%s: no AWS credentials", v.Provider, v.ModelID)
	}

	aReq, err := TranslateRequest(req, v, false)
	if err != nil {
		return nil, fmt.Errorf("anthropic: translate request: %w", err)
	}
	// Bedrock carries streaming in the URL and the version in the body;
	// the model is in the path, never the body.
	aReq.Model = ""
	aReq.Stream = false
	aReq.AnthropicVersion = bedrockVersion

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(v, streaming), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}
	if err := c.signer.Sign(ctx, httpReq, region(v)); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	return resp, nil
}

// ChatCompletion sends a non-streaming Bedrock invoke.
func (c *BedrockClient) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (*gateway.ChatResponse, error) {
	resp, err := c.do(ctx, req, v, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(v.Provider, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return TranslateResponse(data)
}

// ChatCompletionStream opens a Bedrock invoke-with-response-stream call.
func (c *BedrockClient) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, v *gateway.ModelVariant) (<-chan gateway.StreamChunk, error) {
	resp, err := c.do(ctx, req, v, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(v.Provider, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readBedrockStream(ctx, resp.Body, ch)
	return ch, nil
}

// parseAPIError reads up to 4KB from the response body and returns an APIError.
func parseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &adapter.APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
