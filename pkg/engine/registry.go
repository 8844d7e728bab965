package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerRef identifies a registered wakeup handler.
type HandlerRef struct {
	Dispatcher string `json:"dispatcher"`
	Handler    string `json:"handler"`
}

func (r HandlerRef) String() string {
	return r.Dispatcher + "/" + r.Handler
}

// Registry maps (dispatcher, handler) refs to wakeup handlers. Handlers are
// registered at startup; unknown refs are rejected when a job or join is
// created. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[HandlerRef]WakeupHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[HandlerRef]WakeupHandler),
	}
}

// Register adds a handler under (dispatcher, handler).
func (r *Registry) Register(dispatcher, handler string, h WakeupHandler) error {
	if dispatcher == "" || handler == "" {
		return NewValidationError("dispatcher and handler names are required")
	}
	if h == nil {
		return NewValidationError(fmt.Sprintf("handler %s/%s is nil", dispatcher, handler))
	}

	ref := HandlerRef{Dispatcher: dispatcher, Handler: handler}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[ref]; exists {
		return NewPermanentError("handler already registered", nil).
			WithCode(ErrCodeConfiguration).
			WithResource(ref.String())
	}
	r.handlers[ref] = h
	return nil
}

// RegisterFunc registers a function as a handler.
func (r *Registry) RegisterFunc(dispatcher, handler string, fn func(ctx context.Context, w Wakeup) error) error {
	if fn == nil {
		return r.Register(dispatcher, handler, nil)
	}
	return r.Register(dispatcher, handler, WakeupHandlerFunc(fn))
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(dispatcher, handler string, h WakeupHandler) {
	if err := r.Register(dispatcher, handler, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler registered under (dispatcher, handler).
func (r *Registry) Resolve(dispatcher, handler string) (WakeupHandler, error) {
	ref := HandlerRef{Dispatcher: dispatcher, Handler: handler}

	r.mu.RLock()
	h, ok := r.handlers[ref]
	r.mu.RUnlock()

	if !ok {
		return nil, NewPermanentError("unknown wakeup handler", nil).
			WithCode(ErrCodeUnknownHandler).
			WithResource(ref.String())
	}
	return h, nil
}

// Has reports whether a handler is registered under (dispatcher, handler).
func (r *Registry) Has(dispatcher, handler string) bool {
	_, err := r.Resolve(dispatcher, handler)
	return err == nil
}

// Refs returns all registered refs, sorted.
func (r *Registry) Refs() []HandlerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]HandlerRef, 0, len(r.handlers))
	for ref := range r.handlers {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
	return refs
}
