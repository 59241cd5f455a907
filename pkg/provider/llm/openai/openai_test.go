package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/kaiwa/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: llm.RoleSystem},
		{role: llm.RoleUser},
		{role: llm.RoleAssistant},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		param, err := convertMessage(llm.Message{Role: tt.role, Content: "x"})
		if tt.wantErr {
			if err == nil {
				t.Errorf("role %q: expected error", tt.role)
			}
			continue
		}
		if err != nil {
			t.Fatalf("role %q: %v", tt.role, err)
		}
		var set bool
		switch tt.role {
		case llm.RoleSystem:
			set = param.OfSystem != nil
		case llm.RoleUser:
			set = param.OfUser != nil
		case llm.RoleAssistant:
			set = param.OfAssistant != nil
		}
		if !set {
			t.Errorf("role %q: matching union member not set", tt.role)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestComplete_AgainstFakeServer(t *testing.T) {
	t.Parallel()

	type request struct {
		Model       string           `json:"model"`
		Temperature *float64         `json:"temperature"`
		Messages    []map[string]any `json:"messages"`
	}
	reqs := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got request
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		select {
		case reqs <- got:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "こんにちは！"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.Request{
		SystemPrompt: "あなたは親切なアシスタントです。",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "こんにちは"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "こんにちは！" || resp.Usage.PromptTokens != 12 {
		t.Errorf("resp = %+v", resp)
	}
	got := <-reqs
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 || got.Messages[0]["role"] != "system" {
		t.Errorf("request = %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", got.Temperature)
	}
}
