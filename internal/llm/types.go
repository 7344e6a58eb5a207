// Package llm wraps the upstream language-model and embedding providers
// behind one streaming interface.
package llm

import (
	"context"
	"errors"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// GenerateRequest describes one completion call.
type GenerateRequest struct {
	System          string
	Messages        []Message
	Model           string // optional override of the configured model
	IncludeThoughts bool
	EnableSearch    bool
}

// EventType discriminates stream events.
type EventType int

const (
	EventToken EventType = iota
	EventDone
	EventError
)

// StreamEvent is one element of an upstream token stream. Thought tokens are
// model-internal reasoning and must not reach end users.
type StreamEvent struct {
	Type    EventType
	Text    string
	Thought bool
	Err     string
}

// Provider is the consumed upstream contract: streaming and single-shot
// completions plus embedding generation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// Stream returns a channel that yields tokens in arrival order and is
	// closed after a terminal EventDone or EventError. Cancelling ctx aborts
	// the upstream request.
	Stream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrRateLimited annotates upstream 429 responses.
var ErrRateLimited = errors.New("upstream rate limited (429)")
