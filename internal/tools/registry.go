// Package tools holds the MCP tool registry and a Streamable-HTTP client
// for proxying calls to external MCP servers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownTool signals a call to a name the registry does not hold.
var ErrUnknownTool = errors.New("unknown tool")

// Descriptor is the tool shape advertised over tools/list.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Handler executes one tool call and returns the text content.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor
	Handler Handler
}

// Registry is the named tool table. Registration order is preserved in
// listings.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Tool
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{byName: map[string]Tool{}, logger: logger}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.byName[t.Name] = t
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Descriptor)
	}
	return out
}

// Call executes a registered tool.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	out, err := t.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
	}
	return out, err
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
