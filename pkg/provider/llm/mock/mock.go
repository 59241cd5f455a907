// Package mock provides a test double for the llm.Provider interface.
//
//	p := &mock.Provider{Response: llm.Response{Text: "こんにちは！"}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kaiwa/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when Err is nil.
	Response llm.Response

	// Err, if non-nil, is returned by Complete.
	Err error

	// ReplyFunc, if set, overrides Response and Err.
	ReplyFunc func(req llm.Request) (llm.Response, error)

	// Calls records every request passed to Complete, in order.
	Calls []llm.Request
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.Calls = append(p.Calls, req)
	fn, resp, err := p.ReplyFunc, p.Response, p.Err
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if fn != nil {
		return fn(req)
	}
	return resp, err
}

// Requests returns a copy of the recorded calls.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.Calls...)
}

// Reset clears the call records.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
