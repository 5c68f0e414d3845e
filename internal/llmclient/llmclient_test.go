package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.defaultModel != "claude-sonnet-4-20250514" {
		t.Errorf("expected default model, got %q", c.defaultModel)
	}
	if c.maxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", c.maxRetries)
	}
	if c.retryDelay != time.Second {
		t.Errorf("expected default retry delay 1s, got %v", c.retryDelay)
	}
}

func TestGetModelFallsBackToDefault(t *testing.T) {
	c, _ := New(Config{APIKey: "k", DefaultModel: "claude-haiku-4"})
	if got := c.getModel(""); got != "claude-haiku-4" {
		t.Errorf("expected default model fallback, got %q", got)
	}
	if got := c.getModel("claude-opus-4"); got != "claude-opus-4" {
		t.Errorf("expected explicit model, got %q", got)
	}
}

func TestGetMaxTokensFallsBackToDefault(t *testing.T) {
	c, _ := New(Config{APIKey: "k"})
	if got := c.getMaxTokens(0); got != 4096 {
		t.Errorf("expected default max tokens 4096, got %d", got)
	}
	if got := c.getMaxTokens(512); got != 512 {
		t.Errorf("expected explicit max tokens, got %d", got)
	}
}

func TestIsRetryableErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{errors.New("rate_limit_error: too many requests"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("request timeout"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("400 bad request: invalid schema"), false},
		{errors.New("401 unauthorized"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isRetryableError(tc.err); got != tc.retryable {
			t.Errorf("isRetryableError(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_test", "type": "message", "role": "assistant", "model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "hello back"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`)
	}))
	defer server.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply, err := c.Complete(context.Background(), Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hello back" {
		t.Errorf("expected %q, got %q", "hello back", reply)
	}
}

func TestCompleteRetriesOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_test", "type": "message", "role": "assistant", "model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "ok"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`)
	}))
	defer server.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: server.URL, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply, err := c.Complete(context.Background(), Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "ok" {
		t.Errorf("expected %q, got %q", "ok", reply)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestConvertToolsBuildsToolParams(t *testing.T) {
	tools := []ToolSpec{
		{Name: "search", Description: "search the web", Schema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)},
	}
	params, err := convertTools(tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params) != 1 {
		t.Fatalf("expected 1 tool param, got %d", len(params))
	}
	if params[0].OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if params[0].OfTool.Name != "search" {
		t.Errorf("expected tool name %q, got %q", "search", params[0].OfTool.Name)
	}
}

func TestConvertToolsRejectsInvalidSchema(t *testing.T) {
	tools := []ToolSpec{{Name: "broken", Schema: json.RawMessage(`not json`)}}
	if _, err := convertTools(tools); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}
