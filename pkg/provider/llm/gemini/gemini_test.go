package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/kaiwa/pkg/provider/llm"
)

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	contents, cfg := buildRequest(llm.Request{
		SystemPrompt: "あなたは親切なアシスタントです。",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "こんにちは"},
			{Role: llm.RoleAssistant, Content: "こんにちは！"},
			{Role: llm.RoleUser, Content: "元気？"},
		},
	})

	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("assistant role mapped to %q", contents[1].Role)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "あなたは親切なアシスタントです。" {
		t.Errorf("system instruction = %+v", cfg.SystemInstruction)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 0 {
		t.Errorf("max output tokens = %d, want unset", cfg.MaxOutputTokens)
	}
}

func TestComplete_AgainstFakeServer(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "はい、元気です。"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 4, "totalTokenCount": 11}
		}`)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	p, err := New(ctx, "test-key", "gemini-2.0-flash", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "元気？"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "はい、元気です。" || resp.Usage.CompletionTokens != 4 {
		t.Errorf("resp = %+v", resp)
	}
	if path := <-paths; !strings.Contains(path, "gemini-2.0-flash:generateContent") {
		t.Errorf("request path = %q", path)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), "", "m"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New(context.Background(), "k", ""); err == nil {
		t.Error("expected error for empty model")
	}
}
