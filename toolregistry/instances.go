package toolregistry

import (
	"context"
	"fmt"
	"sync"
)

// ToolOutput is the envelope every tool instance returns.
type ToolOutput struct {
	Success bool
	Data    map[string]interface{}
	Error   string
}

// ToolInstance is a constructed, callable tool: a plain function keyed
// by name in the InstanceRegistry, looked up in O(1) at dispatch time.
type ToolInstance func(ctx context.Context, resolvedInputs map[string]interface{}) (ToolOutput, error)

// InstanceRegistry holds constructed tool instances keyed by name. It
// stores only the callables: no params or output schema is passed to
// or kept with an instance. It is immutable after Freeze.
type InstanceRegistry struct {
	mu        sync.RWMutex
	instances map[string]ToolInstance
	frozen    bool
}

// NewInstanceRegistry builds an empty InstanceRegistry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{instances: make(map[string]ToolInstance)}
}

// Register installs a callable for name. Registering after Freeze is a
// programming error and panics, matching the "read-only after load"
// invariant shared with Registry.
func (r *InstanceRegistry) Register(name string, instance ToolInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("toolregistry: cannot register %q after Freeze", name))
	}
	r.instances[name] = instance
}

// Freeze marks the instance registry read-only; safe to call multiple
// times.
func (r *InstanceRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the instance for name, or (nil, false) if absent.
func (r *InstanceRegistry) Lookup(name string) (ToolInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}
