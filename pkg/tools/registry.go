// Package tools implements the tool registry, the shielded executor, and the
// built-in gateway tools (web search, knowledge-base exploration, skill
// loading, evaluation).
package tools

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// Registry holds the tools available to one session. Registration happens at
// session setup; lookups are read-only afterwards and never block on I/O.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tooltypes.Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tooltypes.Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool tooltypes.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, ok := r.tools[name]; ok {
		return errors.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds tools and panics on duplicates; used at session setup
// where duplicates are programmer error.
func (r *Registry) MustRegister(tools ...tooltypes.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (tooltypes.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []tooltypes.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tooltypes.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the sorted tool names; used for logging and display checks.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
