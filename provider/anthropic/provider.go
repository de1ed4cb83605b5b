package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	mirage "github.com/ardelia/mirage"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	providerName   = "anthropic"
)

// Provider implements mirage.Provider for the Anthropic Messages API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// Option configures a Provider instance.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (e.g. for proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an Anthropic Messages API provider.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return providerName }

// CreateMessage sends a non-streaming request and returns the full response.
func (p *Provider) CreateMessage(ctx context.Context, req mirage.ChatRequest) (mirage.ChatResponse, error) {
	body := buildBody(req, p.model)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return mirage.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mirage.ChatResponse{}, p.httpErr(resp)
	}

	var msg messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return mirage.ChatResponse{}, &mirage.ProviderError{
			Kind:     mirage.ProviderInvalidResponse,
			Provider: providerName,
			Message:  fmt.Sprintf("decode response: %v", err),
		}
	}

	return parseResponse(msg), nil
}

// StreamMessage streams fragments into ch, closing it when the stream
// ends, then returns the fully accumulated response.
func (p *Provider) StreamMessage(ctx context.Context, req mirage.ChatRequest, ch chan<- mirage.Fragment) (mirage.ChatResponse, error) {
	body := buildBody(req, p.model)
	body.Stream = true

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return mirage.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return mirage.ChatResponse{}, p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

func (p *Provider) sendHTTP(ctx context.Context, body messagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &mirage.ProviderError{
			Kind:     mirage.ProviderInvalidResponse,
			Provider: providerName,
			Message:  fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &mirage.ProviderError{
			Kind:     mirage.ProviderInvalidResponse,
			Provider: providerName,
			Message:  fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &mirage.ProviderError{
			Kind:     mirage.ProviderTransport,
			Provider: providerName,
			Message:  err.Error(),
		}
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	kind := mirage.ProviderTransport
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = mirage.ProviderAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = mirage.ProviderRateLimited
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = mirage.ProviderInvalidResponse
	}

	return &mirage.ProviderError{
		Kind:       kind,
		Provider:   providerName,
		Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		Status:     resp.StatusCode,
		RetryAfter: mirage.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ mirage.Provider = (*Provider)(nil)
