// Package binding implements the binding resolver: a small
// expression language, `$.<task_id>.<field>[.<field>…]`, that threads
// a completed upstream task's output into a downstream task's inputs.
package binding

import (
	"fmt"
	"strings"
	"sync"

	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/orchestrator"
)

// Path is a compiled binding expression.
type Path struct {
	raw      string
	taskID   string
	segments []string
}

// Compile parses a "$.<task_id>.<field>[.<field>…]" expression. Only a
// leading "$." plus dot-separated segments is supported; segment
// indexing ("[0]") is not part of the grammar.
func Compile(expr string) (*Path, error) {
	if !strings.HasPrefix(expr, "$.") {
		return nil, fmt.Errorf("%w: %q must start with \"$.\"", core.ErrBindingPathInvalid, expr)
	}
	rest := strings.TrimPrefix(expr, "$.")
	parts := strings.Split(rest, ".")
	if len(parts) < 2 || parts[0] == "" {
		return nil, fmt.Errorf("%w: %q needs a task id and at least one field", core.ErrBindingPathInvalid, expr)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty path segment", core.ErrBindingPathInvalid, expr)
		}
	}
	return &Path{raw: expr, taskID: parts[0], segments: parts[1:]}, nil
}

// Resolver compiles and caches Path expressions and evaluates them
// against an ExecutionState. It implements orchestrator.Resolver.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*Path
}

// New builds an empty Resolver.
func New() *Resolver {
	return &Resolver{cache: make(map[string]*Path)}
}

func (r *Resolver) compile(expr string) (*Path, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[expr]; ok {
		return p, nil
	}
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	r.cache[expr] = p
	return p, nil
}

// Resolve produces resolved_inputs for task: static inputs copied
// as-is, then every input_bindings entry evaluated and overwriting any
// static entry with the same key.
func (r *Resolver) Resolve(state *orchestrator.ExecutionState, task orchestrator.Task) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(task.Inputs)+len(task.InputBindings))
	for k, v := range task.Inputs {
		resolved[k] = v
	}

	for param, expr := range task.InputBindings {
		path, err := r.compile(expr)
		if err != nil {
			return nil, err
		}
		value, err := r.evaluate(state, path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s (%s): %w", param, expr, err)
		}
		resolved[param] = value
	}
	return resolved, nil
}

// Prevalidate reports whether every binding on task can be resolved
// right now, without performing the substitution. The engine uses this
// to distinguish not-yet-ready from ready-but-will-fail.
func (r *Resolver) Prevalidate(state *orchestrator.ExecutionState, task orchestrator.Task) bool {
	for _, expr := range task.InputBindings {
		path, err := r.compile(expr)
		if err != nil {
			return false
		}
		if _, err := r.evaluate(state, path); err != nil {
			return false
		}
	}
	return true
}

// evaluate walks the upstream task's output envelope
// { data, success, error } following path.segments.
func (r *Resolver) evaluate(state *orchestrator.ExecutionState, path *Path) (interface{}, error) {
	upstream := state.Get(path.taskID)
	if upstream == nil {
		return nil, core.ErrBindingNotFound
	}
	if upstream.Status() != orchestrator.StatusCompleted && upstream.Status() != orchestrator.StatusFailed {
		return nil, core.ErrBindingNotCompleted
	}

	out := upstream.Output()
	if out == nil || !out.Success {
		if upstream.Task.Control.OnFailure == orchestrator.OnFailureContinue {
			return nil, core.ErrBindingNotUsable
		}
		return nil, core.ErrBindingFailedUpstream
	}

	// Construct the envelope in place: no copy of out.Data, we read
	// straight from the TaskRecord's output.
	envelope := map[string]interface{}{
		"data":    out.Data,
		"success": out.Success,
		"error":   out.Error,
	}

	var current interface{} = envelope
	for _, seg := range path.segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		current = m[seg]
	}
	return current, nil
}
