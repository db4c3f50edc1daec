package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). Components wrap these
// with FrameworkError when they need to attach context.
var (
	// Provider Manager
	ErrAllKeysExhausted      = errors.New("all keys exhausted for provider")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrEmptyResponse         = errors.New("provider returned an empty response")

	// Registry
	ErrToolNotFound       = errors.New("tool not found in registry")
	ErrUnknownTarget      = errors.New("unknown execution_target")
	ErrDuplicateTool      = errors.New("tool already registered")
	ErrRegistryNotLoaded  = errors.New("registry has not been loaded")
	ErrRegistryFrozen     = errors.New("registry is read-only after load")

	// Orchestrator / Execution Engine
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrDuplicateTask     = errors.New("task_id already present in session")
	ErrBindingUndeclared = errors.New("input_bindings references task not in depends_on")
	ErrUnknownDependency = errors.New("depends_on references unknown task")
	ErrCyclicPlan        = errors.New("plan is not acyclic")
	ErrTaskNotTerminal   = errors.New("task has not reached a terminal state")
	ErrApprovalDenied    = errors.New("approval_denied")
	ErrDependencyFailed  = errors.New("dependency_failed")
	ErrTaskTimeout       = errors.New("timeout")
	ErrTaskCancelled     = errors.New("cancelled")

	// Server-side Executor
	ErrNotInRegistry  = errors.New("not_in_registry")
	ErrNotImplemented = errors.New("not_implemented")

	// Binding Resolver
	ErrBindingNotFound      = errors.New("not_found")
	ErrBindingNotCompleted  = errors.New("not_completed")
	ErrBindingFailedUpstream = errors.New("failed_upstream")
	ErrBindingPathInvalid   = errors.New("invalid path expression")
	ErrBindingNotUsable     = errors.New("dependency_not_usable")
)

// FrameworkError provides structured error context: which operation
// failed, what kind of error it is, and which entity was involved.
type FrameworkError struct {
	Op      string
	Kind    string
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError wraps err with operation/kind/id context.
func NewFrameworkError(op, kind, id string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Err: err}
}
