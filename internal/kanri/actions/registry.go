package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownAction is returned when no handler owns the requested action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrDuplicateAction is returned when a handler advertises a name that is
	// already registered.
	ErrDuplicateAction = errors.New("duplicate action")
	// ErrInvalidParameters is returned by Validate.
	ErrInvalidParameters = errors.New("invalid parameters")
)

type entry struct {
	desc    Descriptor
	handler Handler
	schema  *jsonschema.Schema
}

// Registry maps action names to their owning handlers.
//
// Registration order is preserved so the advertisement is stable across
// calls.  The lock only guards the table; handlers are invoked without it.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds every descriptor of h.  Nothing is registered when any name
// clashes with an existing action or repeats within h.
func (r *Registry) Register(h Handler) error {
	descs := h.Descriptors()

	staged := make([]*entry, 0, len(descs))
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return fmt.Errorf("handler %q: descriptor without a name", h.Name())
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: %q advertised twice by handler %q", ErrDuplicateAction, d.Name, h.Name())
		}
		seen[d.Name] = true

		d.Handler = h.Name()
		d.Parameters = append([]Parameter(nil), d.Parameters...)
		d.Examples = append([]string(nil), d.Examples...)

		schema, err := compileSchema(d)
		if err != nil {
			return fmt.Errorf("handler %q action %q: compile schema: %w", h.Name(), d.Name, err)
		}
		staged = append(staged, &entry{desc: d, handler: h, schema: schema})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range staged {
		if existing, ok := r.entries[e.desc.Name]; ok {
			return fmt.Errorf("%w: %q already registered by handler %q", ErrDuplicateAction, e.desc.Name, existing.desc.Handler)
		}
	}
	for _, e := range staged {
		r.entries[e.desc.Name] = e
		r.order = append(r.order, e.desc.Name)
	}

	slog.Debug("handler registered", "handler", h.Name(), "actions", len(staged))
	return nil
}

// Unregister removes a single action.  It reports whether the action existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Advertisement returns every registered descriptor in registration order.
func (r *Registry) Advertisement() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Descriptor looks up a single action.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Dispatch routes req to the handler that owns req.Action.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[req.Action]
	r.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	return e.handler.Execute(ctx, req)
}

// Validate checks params against the action's parameter schema.
func (r *Registry) Validate(name string, params map[string]string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return validate(e.desc, e.schema, params)
}
