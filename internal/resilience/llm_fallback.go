package resilience

import (
	"context"

	"github.com/MrWong99/kaiwa/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Complete returns the reply of the first backend that succeeds.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return Execute(ctx, f.group, func(ctx context.Context, p llm.Provider) (llm.Response, error) {
		return p.Complete(ctx, req)
	})
}

// Healthy reports whether any backend is accepting calls.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }
