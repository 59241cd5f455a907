package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/kaiwa/pkg/provider/llm"
	llmmock "github.com/MrWong99/kaiwa/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "こんにちは"}}}

	t.Run("primary", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{Response: llm.Response{Text: "primary"}}
		secondary := &llmmock.Provider{Response: llm.Response{Text: "secondary"}}
		fb := NewLLMFallback(primary, "primary", FallbackConfig{})
		fb.AddFallback("secondary", secondary)

		resp, err := fb.Complete(context.Background(), req)
		if err != nil || resp.Text != "primary" {
			t.Fatalf("resp = %+v, err = %v", resp, err)
		}
		if len(secondary.Requests()) != 0 {
			t.Error("secondary must not be called")
		}
		if got := primary.Requests(); len(got) != 1 || got[0].Messages[0].Content != "こんにちは" {
			t.Errorf("primary requests = %+v", got)
		}
	})

	t.Run("failover", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{Err: errors.New("primary down")}
		secondary := &llmmock.Provider{Response: llm.Response{Text: "secondary"}}
		fb := NewLLMFallback(primary, "primary", FallbackConfig{})
		fb.AddFallback("secondary", secondary)

		resp, err := fb.Complete(context.Background(), req)
		if err != nil || resp.Text != "secondary" {
			t.Fatalf("resp = %+v, err = %v", resp, err)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()
		fb := NewLLMFallback(&llmmock.Provider{Err: errors.New("down")}, "primary", FallbackConfig{})
		fb.AddFallback("secondary", &llmmock.Provider{Err: errors.New("down")})

		if _, err := fb.Complete(context.Background(), req); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})
}
