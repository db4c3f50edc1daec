package orchestrator

import "github.com/corelane/taskcore/core"

// re-export the orchestrator-relevant sentinels from core so callers
// that only import orchestrator don't need a second import for
// errors.Is comparisons.
var (
	ErrInvalidPlan       = core.ErrInvalidPlan
	ErrDuplicateTask     = core.ErrDuplicateTask
	ErrBindingUndeclared = core.ErrBindingUndeclared
	ErrUnknownDependency = core.ErrUnknownDependency
	ErrCyclicPlan        = core.ErrCyclicPlan
	ErrApprovalDenied    = core.ErrApprovalDenied
	ErrDependencyFailed  = core.ErrDependencyFailed
	ErrTaskTimeout       = core.ErrTaskTimeout
	ErrTaskCancelled     = core.ErrTaskCancelled
)

func wrapErr(op, id string, err error) error {
	return core.NewFrameworkError(op, "orchestrator", id, err)
}
