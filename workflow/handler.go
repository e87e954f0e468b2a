package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActivityContext is what a handler sees of the execution that reached it
type ActivityContext struct {
	ProcessInstanceID string
	GraphID           string
	Activity          *Activity
	// Token is a copy of the branch token parked at the activity
	Token *Token
	// Request is shared by all branches of the instance
	Request *RequestContext
	// Resumed is set when the activity is re-entered by Resume
	Resumed bool
	// Payload carries the data of the resume signal
	Payload map[string]any
}

// ActivityHandler executes a task activity.
// Returning Suspend() parks the branch until Resume targets this activity.
type ActivityHandler interface {
	Execute(ctx context.Context, ac *ActivityContext) (Outcome, error)
}

// HandlerFunc adapts a function to ActivityHandler
type HandlerFunc func(ctx context.Context, ac *ActivityContext) (Outcome, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, ac *ActivityContext) (Outcome, error) {
	return f(ctx, ac)
}

// HandlerRegistry maps handler names to handlers
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActivityHandler
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]ActivityHandler)}
}

// Register binds a handler to a name
func (r *HandlerRegistry) Register(name string, h ActivityHandler) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterFunc binds a function handler to a name
func (r *HandlerRegistry) RegisterFunc(name string, fn func(ctx context.Context, ac *ActivityContext) (Outcome, error)) error {
	return r.Register(name, HandlerFunc(fn))
}

// Get returns a handler by name
func (r *HandlerRegistry) Get(name string) (ActivityHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names sorted
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve returns the handler of a task activity. An explicit handler name
// must be registered; an activity without one falls back to its ID and passes
// through when nothing is registered under it.
func (r *HandlerRegistry) resolve(a *Activity) (ActivityHandler, error) {
	if a.Handler != "" {
		h, ok := r.Get(a.Handler)
		if !ok {
			return nil, fmt.Errorf("activity %s: handler not registered: %s", a.ID, a.Handler)
		}
		return h, nil
	}
	if h, ok := r.Get(a.ID); ok {
		return h, nil
	}
	return nil, nil
}
