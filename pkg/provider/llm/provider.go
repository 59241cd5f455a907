// Package llm defines the Provider interface for the language models behind
// the LLM leg server.
//
// The leg is strictly request/reply: one user utterance in, one complete reply
// out. Providers therefore expose a single blocking Complete call; streaming,
// tool calling and token accounting are left to the backends' own SDKs.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role    string
	Content string
}

// Usage holds token accounting reported by the backend, when it reports any.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Request carries everything a backend needs to produce a reply.
type Request struct {
	// SystemPrompt, if set, is sent ahead of Messages using the backend's
	// native system instruction mechanism.
	SystemPrompt string

	// Messages is the conversation so far; the last entry is the user turn
	// to answer.
	Messages []Message

	// Temperature is always sent, so the zero value requests greedy
	// decoding.
	Temperature float64

	// MaxTokens caps the reply length. Zero uses the backend default.
	MaxTokens int
}

// Response is a complete reply.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete returns the reply to req. It must return promptly when ctx is
	// cancelled.
	Complete(ctx context.Context, req Request) (Response, error)
}
