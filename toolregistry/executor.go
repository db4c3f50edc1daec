package toolregistry

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/orchestrator"
)

// ServerExecutor adapts a Registry + InstanceRegistry pair into
// orchestrator.ServerExecutor:
//  1. confirm the tool is in the Registry, else not_in_registry
//  2. look up its preloaded instance, else not_implemented
//  3. invoke it with the resolved inputs, catching panics as a failed
//     output rather than crashing the dispatching goroutine
type ServerExecutor struct {
	registry  *Registry
	instances *InstanceRegistry
	logger    core.Logger
}

// NewServerExecutor wires registry and instances together.
func NewServerExecutor(registry *Registry, instances *InstanceRegistry, logger core.Logger) *ServerExecutor {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &ServerExecutor{registry: registry, instances: instances, logger: logger}
}

// Execute implements orchestrator.ServerExecutor.
func (e *ServerExecutor) Execute(ctx context.Context, tool string, resolvedInputs map[string]interface{}) (out orchestrator.Output, err error) {
	if !e.registry.ValidateTool(tool) {
		return orchestrator.Output{Success: false, Error: core.ErrNotInRegistry.Error()}, nil
	}

	inst, ok := e.instances.Lookup(tool)
	if !ok {
		return orchestrator.Output{Success: false, Error: core.ErrNotImplemented.Error()}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool instance panicked", map[string]interface{}{"tool": tool, "panic": r})
			out = orchestrator.Output{Success: false, Error: fmt.Sprintf("tool %s panicked: %v\n%s", tool, r, debug.Stack())}
			err = nil
		}
	}()

	result, execErr := inst(ctx, resolvedInputs)
	if execErr != nil {
		return orchestrator.Output{Success: false, Error: execErr.Error()}, nil
	}
	return orchestrator.Output{Success: result.Success, Data: result.Data, Error: result.Error}, nil
}
