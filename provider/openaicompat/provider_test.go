package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	mirage "github.com/ardelia/mirage"
)

func TestProvider_CreateMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-1",
			Choices: []Choice{{
				Message:      &ChoiceMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 5, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4o", srv.URL)

	resp, err := p.CreateMessage(context.Background(), mirage.ChatRequest{
		Messages: []mirage.ChatMessage{mirage.UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("CreateMessage returned error: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_StreamMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected stream_options.include_usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(buildSSE(
			`{"id":"s1","choices":[{"index":0,"delta":{"content":"Hey"}}]}`,
			`{"id":"s1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		)))
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4o", srv.URL)

	ch := make(chan mirage.Fragment, 16)
	resp, err := p.StreamMessage(context.Background(), mirage.ChatRequest{
		Messages: []mirage.ChatMessage{mirage.UserMessage("Hi")},
	}, ch)
	if err != nil {
		t.Fatalf("StreamMessage returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "Hey" {
		t.Errorf("expected content 'Hey', got %q", resp.Content)
	}
}

func TestProvider_RateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4o", srv.URL)

	_, err := p.CreateMessage(context.Background(), mirage.ChatRequest{
		Messages: []mirage.ChatMessage{mirage.UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *mirage.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Kind != mirage.ProviderRateLimited {
		t.Errorf("expected rate_limited, got %q", perr.Kind)
	}
	if !perr.Recoverable() {
		t.Errorf("rate limit should be recoverable")
	}
	if perr.RetryAfter.Seconds() != 7 {
		t.Errorf("expected Retry-After 7s, got %v", perr.RetryAfter)
	}
}

func TestProvider_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	p := NewProvider("bad-key", "gpt-4o", srv.URL)

	_, err := p.CreateMessage(context.Background(), mirage.ChatRequest{
		Messages: []mirage.ChatMessage{mirage.UserMessage("Hi")},
	})

	var perr *mirage.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Kind != mirage.ProviderAuth {
		t.Errorf("expected auth, got %q", perr.Kind)
	}
	if perr.Recoverable() {
		t.Errorf("auth error should not be recoverable")
	}
}

func TestProvider_ServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4o", srv.URL)

	_, err := p.CreateMessage(context.Background(), mirage.ChatRequest{
		Messages: []mirage.ChatMessage{mirage.UserMessage("Hi")},
	})

	var perr *mirage.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if perr.Kind != mirage.ProviderTransport {
		t.Errorf("expected transport, got %q", perr.Kind)
	}
}

func TestProvider_Name(t *testing.T) {
	p := NewProvider("k", "m", "http://example.com", WithName("gemini"))
	if p.Name() != "gemini" {
		t.Errorf("expected name gemini, got %q", p.Name())
	}
}
