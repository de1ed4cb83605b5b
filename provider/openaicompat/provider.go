package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	mirage "github.com/ardelia/mirage"
)

// Provider implements mirage.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral,
// Ollama, vLLM, and Gemini's OpenAI-compatible endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://generativelanguage.googleapis.com/v1beta/openai").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// CreateMessage sends a non-streaming chat request and returns the
// complete response. When req.Tools is non-empty, the response may
// contain ToolCalls.
func (p *Provider) CreateMessage(ctx context.Context, req mirage.ChatRequest) (mirage.ChatResponse, error) {
	body := BuildBody(req, p.model, p.opts...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return mirage.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mirage.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return mirage.ChatResponse{}, &mirage.ProviderError{
			Kind:     mirage.ProviderInvalidResponse,
			Provider: p.name,
			Message:  fmt.Sprintf("decode response: %v", err),
		}
	}

	return ParseResponse(chatResp)
}

// StreamMessage streams fragments into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (p *Provider) StreamMessage(ctx context.Context, req mirage.ChatRequest, ch chan<- mirage.Fragment) (mirage.ChatResponse, error) {
	body := BuildBody(req, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

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

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint. Network failures surface as recoverable transport errors.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &mirage.ProviderError{
			Kind:     mirage.ProviderInvalidResponse,
			Provider: p.name,
			Message:  fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &mirage.ProviderError{
			Kind:     mirage.ProviderInvalidResponse,
			Provider: p.name,
			Message:  fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &mirage.ProviderError{
			Kind:     mirage.ProviderTransport,
			Provider: p.name,
			Message:  err.Error(),
		}
	}
	return resp, nil
}

// httpErr reads the error body and classifies the status for the retry
// middleware. Parses the Retry-After header when present (429/503).
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
		Provider:   p.name,
		Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		Status:     resp.StatusCode,
		RetryAfter: mirage.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ mirage.Provider = (*Provider)(nil)
