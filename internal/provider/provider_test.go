package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alienxp03/soulsync/internal/scenario"
)

type stubCompleter struct {
	name  string
	reply string
}

func (s *stubCompleter) Name() string { return s.name }
func (s *stubCompleter) Complete(ctx context.Context, req Request) (string, error) {
	return s.reply, nil
}

func TestRegistry(t *testing.T) {
	t.Run("RegisterAndGet", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&stubCompleter{name: "stub", reply: "ok"})

		p, err := r.Get("stub")
		if err != nil {
			t.Fatalf("failed to get provider: %v", err)
		}
		if p.Name() != "stub" {
			t.Errorf("wrong name: got %s, want stub", p.Name())
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Get("nonexistent"); err == nil {
			t.Error("expected error for nonexistent provider")
		}
	})

	t.Run("NamesSorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&stubCompleter{name: "zeta"})
		r.Register(&stubCompleter{name: "alpha"})
		names := r.Names()
		if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
			t.Errorf("wrong names: %v", names)
		}
	})
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider(0)
	ctx := context.Background()

	t.Run("DialogueReply", func(t *testing.T) {
		reply, err := p.Complete(ctx, Request{
			System: "persona",
			Turns:  []Turn{{Role: RoleUser, Content: "do you like rain?"}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(reply, "do you like rain?") {
			t.Errorf("reply should echo the last turn: %q", reply)
		}
	})

	t.Run("JudgeVerdictIsDeterministicJSON", func(t *testing.T) {
		req := Request{
			System: scenario.JudgeSystemPrompt,
			Turns:  []Turn{{Role: RoleUser, Content: `score "humor" and friends`}},
		}
		first, _ := p.Complete(ctx, req)
		second, _ := p.Complete(ctx, req)
		if first != second {
			t.Errorf("verdict not deterministic: %q vs %q", first, second)
		}

		var v map[string]any
		if err := json.Unmarshal([]byte(first), &v); err != nil {
			t.Fatalf("verdict is not JSON: %v", err)
		}
		for _, k := range []string{"humor", "depth", "resonance", "compatibility"} {
			n, ok := v[k].(float64)
			if !ok || n < 50 || n > 95 {
				t.Errorf("dimension %s out of range: %v", k, v[k])
			}
		}
	})
}

func newChatServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeChoice(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      "cmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func TestOpenAIProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("SendsSystemAndRelabeledTurns", func(t *testing.T) {
		srv := newChatServer(t, func(w http.ResponseWriter, body map[string]any) {
			if body["model"] != DefaultModel {
				t.Errorf("wrong model: %v", body["model"])
			}
			if body["max_tokens"].(float64) != DefaultMaxTokens {
				t.Errorf("wrong max_tokens: %v", body["max_tokens"])
			}
			msgs := body["messages"].([]any)
			if len(msgs) != 3 {
				t.Fatalf("wrong message count: %d", len(msgs))
			}
			roles := []string{"system", "assistant", "user"}
			for i, m := range msgs {
				if got := m.(map[string]any)["role"]; got != roles[i] {
					t.Errorf("message %d role: got %v, want %s", i, got, roles[i])
				}
			}
			writeChoice(w, "  hello back  ")
		})

		p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, APIKey: "test"})
		reply, err := p.Complete(ctx, Request{
			System: "sys",
			Turns: []Turn{
				{Role: RoleAssistant, Content: "hi"},
				{Role: RoleUser, Content: "hey"},
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reply != "hello back" {
			t.Errorf("wrong reply: %q", reply)
		}
	})

	t.Run("Temperature", func(t *testing.T) {
		tests := []struct {
			name string
			temp *float64
			want float64
		}{
			{"unset uses default", nil, DefaultTemperature},
			{"explicit", Temperature(0.2), 0.2},
			{"zero is kept", Temperature(0), 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				srv := newChatServer(t, func(w http.ResponseWriter, body map[string]any) {
					got, ok := body["temperature"].(float64)
					if !ok {
						t.Errorf("temperature missing from request")
					}
					if math.Abs(got-tt.want) > 1e-6 {
						t.Errorf("wrong temperature: got %v, want %v", got, tt.want)
					}
					writeChoice(w, "ok")
				})

				p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, APIKey: "test"})
				if _, err := p.Complete(ctx, Request{System: "sys", Temperature: tt.temp}); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			})
		}
	})

	t.Run("EmptyReplyIsError", func(t *testing.T) {
		srv := newChatServer(t, func(w http.ResponseWriter, body map[string]any) {
			writeChoice(w, "   ")
		})

		p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, APIKey: "test"})
		_, err := p.Complete(ctx, Request{System: "sys"})
		if !errors.Is(err, ErrEmptyReply) {
			t.Errorf("expected ErrEmptyReply, got %v", err)
		}
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls atomic.Int32
		srv := newChatServer(t, func(w http.ResponseWriter, body map[string]any) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
				return
			}
			writeChoice(w, "recovered")
		})

		p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, APIKey: "test", MaxRetries: 2, RetryBase: time.Millisecond})
		reply, err := p.Complete(ctx, Request{System: "sys"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reply != "recovered" || calls.Load() != 2 {
			t.Errorf("got reply %q after %d calls", reply, calls.Load())
		}
	})

	t.Run("ClientErrorsAreNotRetried", func(t *testing.T) {
		var calls atomic.Int32
		srv := newChatServer(t, func(w http.ResponseWriter, body map[string]any) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
		})

		p := NewOpenAIProvider(OpenAIOptions{BaseURL: srv.URL, APIKey: "test", MaxRetries: 2, RetryBase: time.Millisecond})
		_, err := p.Complete(ctx, Request{System: "sys"})

		var pe *ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if pe.StatusCode != http.StatusBadRequest {
			t.Errorf("wrong status: %d", pe.StatusCode)
		}
		if calls.Load() != 1 {
			t.Errorf("expected a single call, got %d", calls.Load())
		}
	})
}
