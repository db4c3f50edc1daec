package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corelane/taskcore/core"
)

// Resolver is the binding-resolution port. The orchestrator
// depends on this interface, not on the binding package directly, so
// the two packages can be wired by the composition root without a
// circular import.
type Resolver interface {
	Resolve(state *ExecutionState, task Task) (map[string]interface{}, error)
}

// ServerExecutor is the server-side executor port.
type ServerExecutor interface {
	Execute(ctx context.Context, tool string, resolvedInputs map[string]interface{}) (Output, error)
}

// Emitter is the subset of the task-emitter surface the engine needs to
// dispatch client-targeted work and raise approval prompts.
type Emitter interface {
	EmitTaskSingle(ctx context.Context, sessionID string, rec *TaskRecord, serverCompletedDependencies []string) error
	RequestApproval(ctx context.Context, sessionID, taskID, question string) error
}

// AcknowledgingEmitter is implemented by emitters that can also forward
// a task's lifecycle_messages as past-tense user notifications. The
// engine probes for this optional capability rather than requiring it
// on Emitter, since the minimal port is all dispatch/approval
// strictly needs.
type AcknowledgingEmitter interface {
	EmitAcknowledgment(ctx context.Context, sessionID, taskID, lifecycle, message string) error
}

// BatchEmitter is implemented by emitters that can take several
// same-round client tasks in one EmitTaskBatch call instead of one
// EmitTaskSingle call per task. Probed the same way as
// AcknowledgingEmitter; an emitter without it gets each task as a
// single emission.
type BatchEmitter interface {
	EmitTaskBatch(ctx context.Context, sessionID string, recs []*TaskRecord, serverCompletedDependencies []string) error
}

// Engine is the execution engine: it schedules ready tasks,
// resolves their bindings, dispatches to the right executor, and
// applies each task's on_failure policy.
type Engine struct {
	resolver   Resolver
	serverExec ServerExecutor
	emitter    Emitter
	logger     core.Logger
	telemetry  core.Telemetry

	maxFanOut int // 0 = unbounded, per session
}

// NewEngine wires the three execution ports together.
func NewEngine(resolver Resolver, serverExec ServerExecutor, emitter Emitter, logger core.Logger, telemetry core.Telemetry, maxFanOut int) *Engine {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = core.NoOpTelemetry{}
	}
	return &Engine{
		resolver:   resolver,
		serverExec: serverExec,
		emitter:    emitter,
		logger:     logger,
		telemetry:  telemetry,
		maxFanOut:  maxFanOut,
	}
}

// Run drives state's scheduling loop to completion.
// It returns once every task has reached a terminal status; it does
// not return an error for individual task failures, those are
// recorded per-task in the state itself.
func (e *Engine) Run(ctx context.Context, state *ExecutionState) error {
	ctx, span := e.telemetry.StartSpan(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttribute("session_id", state.SessionID)

	for {
		ready, skipped := e.computeReadySet(ctx, state)
		if skipped {
			continue
		}
		if len(ready) == 0 {
			if state.IsComplete() {
				state.checkCompletion()
				return nil
			}
			// Nothing ready and not complete: every round has finished,
			// so each remaining task is blocked, directly or through its
			// dependencies, on an approval decision. Block until the
			// completion event fires, an approval decision wakes the
			// loop, or ctx is cancelled.
			select {
			case <-state.CompletionEvent():
				return nil
			case <-state.Wake():
				continue
			case <-ctx.Done():
				e.cancelSession(state, ctx.Err())
				return ctx.Err()
			}
		}

		if err := e.runRound(ctx, state, ready); err != nil {
			return err
		}
		state.checkCompletion()
	}
}

// computeReadySet collects this round's candidates: every task whose
// dependencies are all completed is a candidate; candidates requiring
// approval are pulled out, transitioned to waiting, and have their
// approval request emitted exactly once. skipped reports that at
// least one task was moved straight to failed (dependency_failed) so
// the caller should recompute before dispatching a round.
func (e *Engine) computeReadySet(ctx context.Context, state *ExecutionState) (ready []*TaskRecord, skipped bool) {
	for _, rec := range state.All() {
		status := rec.Status()
		if status != StatusPending && status != StatusWaiting {
			continue
		}

		allDepsComplete := true
		for _, dep := range rec.Task.DependsOn {
			depRec := state.Get(dep)
			if depRec == nil {
				continue
			}
			depStatus := depRec.Status()
			if depStatus == StatusFailed {
				// dependency failed: apply abort/continue handling by
				// failing this task with dependency_failed, unless the
				// failed dependency's own policy was "continue" (then
				// leave resolution to the binding resolver, which will
				// report dependency_not_usable at dispatch time).
				if depPolicy := depRec.Task.Control.OnFailure; depPolicy != OnFailureContinue {
					e.failTask(state, rec, Output{Success: false, Error: ErrDependencyFailed.Error()})
					skipped = true
					allDepsComplete = false
					break
				}
			} else if depStatus != StatusCompleted {
				allDepsComplete = false
				break
			}
		}
		if !allDepsComplete {
			continue
		}

		if rec.Task.Control.RequiresApproval && !rec.approvalWasGranted() && status != StatusWaiting {
			rec.setStatus(StatusWaiting)
			ch := state.Approvals.Register(rec.Task.TaskID)
			// Raise the prompt on the client surface exactly once: this
			// branch is entered only on the pending->waiting transition,
			// and a granted approval is remembered so a retried task is
			// never re-prompted.
			if err := e.emitter.RequestApproval(ctx, state.SessionID, rec.Task.TaskID, rec.Task.Control.ApprovalQuestion); err != nil {
				e.logger.Warn("approval request delivery failed", map[string]interface{}{
					"task_id": rec.Task.TaskID,
					"error":   err.Error(),
				})
			}
			go e.awaitApproval(state, rec, ch)
			continue
		}
		if status == StatusWaiting {
			// still awaiting a decision on the approval channel
			continue
		}

		ready = append(ready, rec)
	}
	return ready, skipped
}

// awaitApproval blocks on a single task's approval channel and applies
// the resulting transition; it runs in its own goroutine per waiting
// task so the scheduling loop is never blocked on a human.
func (e *Engine) awaitApproval(state *ExecutionState, rec *TaskRecord, ch <-chan bool) {
	approved, ok := <-ch
	if !ok {
		return
	}
	if !approved {
		e.failTask(state, rec, Output{Success: false, Error: ErrApprovalDenied.Error()})
		state.checkCompletion()
		state.notifyReady()
		return
	}
	rec.markApprovalGranted()
	rec.setStatus(StatusPending)
	state.notifyReady()
}

// runRound dispatches every task in ready concurrently, bounded by
// e.maxFanOut, and blocks until the whole round finishes. When the
// round holds more than one client-targeted task and the emitter can
// batch, they go out together as one task_execute_batch delivery; each
// task's result is still awaited (and timed out) individually.
func (e *Engine) runRound(ctx context.Context, state *ExecutionState, ready []*TaskRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.maxFanOut > 0 {
		g.SetLimit(e.maxFanOut)
	}

	var singles, clients []*TaskRecord
	batcher, canBatch := e.emitter.(BatchEmitter)
	for _, rec := range ready {
		if canBatch && rec.Task.ExecutionTarget == TargetClient {
			clients = append(clients, rec)
		} else {
			singles = append(singles, rec)
		}
	}
	if len(clients) == 1 {
		singles = append(singles, clients[0])
		clients = nil
	}

	if len(clients) > 1 {
		for _, p := range e.emitBatch(gctx, state, batcher, clients) {
			p := p
			g.Go(func() error {
				e.awaitBatched(gctx, state, p.rec, p.wait)
				return nil
			})
		}
	}

	for _, rec := range singles {
		rec := rec
		g.Go(func() error {
			e.dispatch(gctx, state, rec)
			return nil
		})
	}
	return g.Wait()
}

// batchedDispatch pairs an emitted record with the channel its client
// result will arrive on.
type batchedDispatch struct {
	rec  *TaskRecord
	wait <-chan Output
}

// emitBatch resolves and ships recs in one task_execute_batch frame.
// A task whose bindings fail to resolve is failed individually and
// dropped from the batch; an emission failure fails every batched
// task. Returns the dispatches whose results are still outstanding.
func (e *Engine) emitBatch(ctx context.Context, state *ExecutionState, batcher BatchEmitter, recs []*TaskRecord) []*batchedDispatch {
	var (
		out      []*batchedDispatch
		batch    []*TaskRecord
		depsSeen = make(map[string]bool)
		deps     []string
	)
	for _, rec := range recs {
		resolved, err := e.resolver.Resolve(state, rec.Task)
		if err != nil {
			e.failTask(state, rec, Output{Success: false, Error: err.Error()})
			continue
		}
		rec.mu.Lock()
		rec.resolvedInputs = resolved
		rec.mu.Unlock()

		rec.markRunning(time.Now())
		e.acknowledge(state, rec, "on_start", rec.Task.LifecycleMessages.OnStart)

		for _, dep := range e.completedDependencies(state, rec.Task) {
			if !depsSeen[dep] {
				depsSeen[dep] = true
				deps = append(deps, dep)
			}
		}
		batch = append(batch, rec)
		out = append(out, &batchedDispatch{rec: rec, wait: state.RegisterClientWait(rec.Task.TaskID)})
	}
	if len(batch) == 0 {
		return nil
	}

	if err := batcher.EmitTaskBatch(ctx, state.SessionID, batch, deps); err != nil {
		for _, p := range out {
			state.UnregisterClientWait(p.rec.Task.TaskID)
			e.failTask(state, p.rec, Output{Success: false, Error: err.Error()})
		}
		return nil
	}
	for _, rec := range batch {
		rec.setStatus(StatusEmitted)
	}
	return out
}

// awaitBatched waits for one batched task's client result, enforcing
// the task's own timeout the same way dispatchClient does.
func (e *Engine) awaitBatched(ctx context.Context, state *ExecutionState, rec *TaskRecord, wait <-chan Output) {
	taskCtx := ctx
	cancel := func() {}
	if rec.Task.Control.TimeoutMS > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(rec.Task.Control.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	select {
	case out := <-wait:
		if !out.Success {
			e.applyFailurePolicy(state, rec, out)
			return
		}
		e.completeTask(state, rec, out)
	case <-taskCtx.Done():
		state.UnregisterClientWait(rec.Task.TaskID)
		cause := ErrTaskTimeout
		if errors.Is(taskCtx.Err(), context.Canceled) {
			cause = ErrTaskCancelled
		}
		e.failTask(state, rec, Output{Success: false, Error: cause.Error()})
	}
}

// dispatch resolves bindings, runs the task to a terminal state (or to
// emitted, for client targets awaiting acknowledgment), and applies
// on_failure when it fails. A panicking tool is converted into a
// failed result rather than crashing the round.
func (e *Engine) dispatch(ctx context.Context, state *ExecutionState, rec *TaskRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.failTask(state, rec, Output{
				Success: false,
				Error:   fmt.Sprintf("task %s panicked: %v\n%s", rec.Task.TaskID, r, debug.Stack()),
			})
		}
	}()

	resolved, err := e.resolver.Resolve(state, rec.Task)
	if err != nil {
		e.failTask(state, rec, Output{Success: false, Error: err.Error()})
		return
	}
	rec.mu.Lock()
	rec.resolvedInputs = resolved
	rec.mu.Unlock()

	taskCtx := ctx
	cancel := func() {}
	if rec.Task.Control.TimeoutMS > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(rec.Task.Control.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	rec.markRunning(time.Now())
	e.acknowledge(state, rec, "on_start", rec.Task.LifecycleMessages.OnStart)

	var out Output
	var execErr error

	switch rec.Task.ExecutionTarget {
	case TargetClient:
		out, execErr = e.dispatchClient(taskCtx, state, rec)
	default:
		out, execErr = e.serverExec.Execute(taskCtx, rec.Task.Tool, resolved)
	}

	if taskCtx.Err() != nil {
		// Distinguish the task's own deadline from a session-wide
		// cancellation; both are terminal but carry different errors.
		cause := ErrTaskTimeout
		if errors.Is(taskCtx.Err(), context.Canceled) {
			cause = ErrTaskCancelled
		}
		e.failTask(state, rec, Output{Success: false, Error: cause.Error()})
		return
	}
	if execErr != nil {
		e.failTask(state, rec, Output{Success: false, Error: execErr.Error()})
		return
	}
	if !out.Success {
		e.applyFailurePolicy(state, rec, out)
		return
	}
	e.completeTask(state, rec, out)
}

// dispatchClient emits the task to the client surface and waits for
// its acknowledgment or the task's own timeout, whichever comes first.
func (e *Engine) dispatchClient(ctx context.Context, state *ExecutionState, rec *TaskRecord) (Output, error) {
	completed := e.completedDependencies(state, rec.Task)
	wait := state.RegisterClientWait(rec.Task.TaskID)

	if err := e.emitter.EmitTaskSingle(ctx, state.SessionID, rec, completed); err != nil {
		state.UnregisterClientWait(rec.Task.TaskID)
		return Output{}, err
	}
	rec.setStatus(StatusEmitted)

	select {
	case out := <-wait:
		return out, nil
	case <-ctx.Done():
		state.UnregisterClientWait(rec.Task.TaskID)
		return Output{}, ctx.Err()
	}
}

// completedDependencies returns depends_on entries already completed
// on the server, for the emitter's dependency-enrichment payload.
func (e *Engine) completedDependencies(state *ExecutionState, task Task) []string {
	var out []string
	for _, dep := range task.DependsOn {
		if d := state.Get(dep); d != nil && d.Status() == StatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}

// failTask marks rec failed with out and applies its on_failure policy.
func (e *Engine) failTask(state *ExecutionState, rec *TaskRecord, out Output) {
	e.applyFailurePolicy(state, rec, out)
}

func (e *Engine) completeTask(state *ExecutionState, rec *TaskRecord, out Output) {
	rec.markTerminal(StatusCompleted, out, time.Now())
	e.logger.Debug("task completed", map[string]interface{}{
		"task_id": rec.Task.TaskID,
		"tool":    rec.Task.Tool,
	})
	_, _, _, durationMS := rec.Timestamps()
	e.telemetry.RecordMetric("orchestrator_tasks_completed_total", 1, map[string]string{"tool": rec.Task.Tool})
	e.telemetry.RecordMetric("orchestrator_task_duration_ms", float64(durationMS), map[string]string{"tool": rec.Task.Tool})
	e.acknowledge(state, rec, "on_success", rec.Task.LifecycleMessages.OnSuccess)
}

// acknowledge forwards a lifecycle message as a past-tense notification
// if the wired emitter supports it and the task carries one for this
// transition. Best-effort: a delivery failure is
// logged, never escalated into a task failure.
func (e *Engine) acknowledge(state *ExecutionState, rec *TaskRecord, lifecycle, message string) {
	if message == "" {
		return
	}
	acker, ok := e.emitter.(AcknowledgingEmitter)
	if !ok {
		return
	}
	if err := acker.EmitAcknowledgment(context.Background(), state.SessionID, rec.Task.TaskID, lifecycle, message); err != nil {
		e.logger.Warn("lifecycle acknowledgment delivery failed", map[string]interface{}{
			"task_id":   rec.Task.TaskID,
			"lifecycle": lifecycle,
			"error":     err.Error(),
		})
	}
}

// applyFailurePolicy applies the task's on_failure handling and the
// abort propagation to its dependents.
func (e *Engine) applyFailurePolicy(state *ExecutionState, rec *TaskRecord, out Output) {
	alreadyTerminal := rec.Status().Terminal()
	rec.markTerminal(StatusFailed, out, time.Now())
	if alreadyTerminal {
		return
	}

	e.logger.Warn("task failed", map[string]interface{}{
		"task_id": rec.Task.TaskID,
		"error":   out.Error,
		"policy":  string(rec.Task.Control.OnFailure),
	})
	e.telemetry.RecordMetric("orchestrator_tasks_failed_total", 1, map[string]string{"tool": rec.Task.Tool})
	e.acknowledge(state, rec, "on_failure", rec.Task.LifecycleMessages.OnFailure)

	switch rec.Task.Control.OnFailure {
	case OnFailureRetry:
		if !rec.retriedOnce() {
			e.retry(state, rec)
			return
		}
		// fall through to abort semantics after the single retry
		e.abortDependents(state, rec.Task.TaskID)
	case OnFailureContinue:
		// dependents remain eligible; binding resolution reports
		// dependency_not_usable for any input that needed this task's
		// output (handled in the binding package).
	default: // OnFailureAbort, "" (default)
		e.abortDependents(state, rec.Task.TaskID)
	}
}

// retry re-admits rec to pending for one more attempt after a brief
// backoff. This is the one transition that moves a record backwards
// out of a terminal status, so it mutates the fields directly rather
// than going through markTerminal, whose once-only guard exists for
// every other path; retriedOnce has already been consumed, so the
// record can only pass through here once.
func (e *Engine) retry(state *ExecutionState, rec *TaskRecord) {
	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	rec.status = StatusPending
	rec.output = nil
	rec.completedAt = time.Time{}
	rec.mu.Unlock()
}

// abortDependents marks every non-terminal task whose transitive
// dependencies include failedID as failed with dependency_failed,
// leaving siblings with independent lineage untouched.
func (e *Engine) abortDependents(state *ExecutionState, failedID string) {
	changed := true
	for changed {
		changed = false
		for _, rec := range state.All() {
			if rec.Status().Terminal() {
				continue
			}
			for _, dep := range rec.Task.DependsOn {
				if dep == failedID {
					e.applyFailurePolicy(state, rec, Output{Success: false, Error: ErrDependencyFailed.Error()})
					changed = true
					break
				}
			}
		}
	}
}

// cancelSession fails every non-terminal task with a cancelled error
// and fires the completion event.
func (e *Engine) cancelSession(state *ExecutionState, cause error) {
	for _, rec := range state.All() {
		if rec.Status().Terminal() {
			continue
		}
		rec.markTerminal(StatusFailed, Output{Success: false, Error: ErrTaskCancelled.Error()}, time.Now())
	}
	state.checkCompletion()
}
