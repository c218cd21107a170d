package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"model": "gpt-4o-mini",
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func TestChatSuccess(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		w.Write([]byte(completionBody("Fix deploy pipeline")))
	})

	p := NewOpenAIProvider("test", server.URL, "sk-test")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Fix deploy pipeline" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestChatAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	})

	p := NewOpenAIProvider("test", server.URL, "sk-bad")
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("want ProviderError, got %v", err)
	}
	if pe.Code != ErrCodeAuthFailed {
		t.Errorf("want AUTH_FAILED, got %s", pe.Code)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("auth errors must not retry, got %d calls", got)
	}
}

func TestChatRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(completionBody("ok")))
	})

	p := NewOpenAIProvider("test", server.URL, "sk-test")
	resp, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat should recover after retries: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if calls.Load() != 3 {
		t.Errorf("want 3 calls, got %d", calls.Load())
	}
}

func TestGenerateTitle(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("\"Refactor session storage.\"\nBecause...")))
	})

	p := NewOpenAIProvider("test", server.URL, "sk-test")
	title, err := GenerateTitle(context.Background(), p, "gpt-4o-mini", "please refactor the session storage")
	if err != nil {
		t.Fatalf("GenerateTitle failed: %v", err)
	}
	if title != "Refactor session storage" {
		t.Errorf("unexpected title %q", title)
	}
}

func TestCleanTitle(t *testing.T) {
	cases := map[string]string{
		"  Plain title  ":     "Plain title",
		`"Quoted title!"`:     "Quoted title",
		"Line one\nLine two":  "Line one",
		"Why is CI broken?":   "Why is CI broken?",
	}
	for in, want := range cases {
		if got := cleanTitle(in); got != want {
			t.Errorf("cleanTitle(%q) = %q, want %q", in, got, want)
		}
	}
}
