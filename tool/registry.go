package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/petal-labs/petalquery/mcp"
)

var (
	// ErrToolExists is returned when a descriptor name is registered twice.
	ErrToolExists = errors.New("tool: already registered")
	// ErrEmptyName is returned for descriptors without a name.
	ErrEmptyName = errors.New("tool: name is required")
	// ErrNilHandler is returned when a descriptor has no implementation.
	ErrNilHandler = errors.New("tool: handler is nil")
)

// Descriptor is the host-visible definition of a tool.
type Descriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// HandlerFunc implements a tool. The returned value is serialized as the
// call's textual payload.
type HandlerFunc func(ctx context.Context, args Arguments) (any, error)

type entry struct {
	descriptor Descriptor
	schema     *jsonschema.Resolved
	raw        json.RawMessage
	handler    HandlerFunc
}

// Registry is the catalog of tools a worker serves. Registration order is
// the catalog order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. The input schema is resolved once here so invalid
// schemas fail at startup rather than on first call.
func (r *Registry) Register(descriptor Descriptor, handler HandlerFunc) error {
	name := strings.TrimSpace(descriptor.Name)
	if name == "" {
		return ErrEmptyName
	}
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}
	descriptor.Name = name
	if descriptor.InputSchema == nil {
		descriptor.InputSchema = &jsonschema.Schema{Type: "object"}
	}

	resolved, err := descriptor.InputSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool: resolve schema for %s: %w", name, err)
	}
	raw, err := json.Marshal(descriptor.InputSchema)
	if err != nil {
		return fmt.Errorf("tool: encode schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, name)
	}
	r.entries[name] = &entry{descriptor: descriptor, schema: resolved, raw: raw, handler: handler}
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor, true
}

// Descriptors returns every descriptor in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].descriptor)
	}
	return out
}

// Catalog returns the tools/list view of the registry.
func (r *Registry) Catalog() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, mcp.Tool{
			Name:        e.descriptor.Name,
			Description: e.descriptor.Description,
			InputSchema: e.raw,
		})
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
