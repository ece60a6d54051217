package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one action type.
type Handler interface {
	Handle(ctx context.Context, req Request) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (*Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry is an explicit name→handler map. Registration replaces any
// previous handler for the same name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a tool name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("dispatch: register: name is required")
	}
	if h == nil {
		return fmt.Errorf("dispatch: register %s: handler is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler for a tool name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryTier is the second dispatch tier and the common path: direct
// lookup of the registered handler for the tool name.
type RegistryTier struct {
	registry *Registry
}

// NewRegistryTier creates a RegistryTier.
func NewRegistryTier(registry *Registry) *RegistryTier {
	return &RegistryTier{registry: registry}
}

// Name implements Tier.
func (t *RegistryTier) Name() string { return "registry" }

// Dispatch runs the registered handler, or delegates when none is bound.
func (t *RegistryTier) Dispatch(ctx context.Context, req Request) (Decision, error) {
	h, ok := t.registry.Lookup(req.ToolName)
	if !ok {
		return Delegate(fmt.Sprintf("no handler registered for %q", req.ToolName)), nil
	}
	result, err := h.Handle(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("handler %s: %w", req.ToolName, err)
	}
	return Handled(result), nil
}
