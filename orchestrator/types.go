// Package orchestrator owns per-session execution state, the task
// state machine, and the scheduling loop that drives a plan's tasks
// from pending to terminal.
package orchestrator

import (
	"sync"
	"time"
)

// ExecutionTarget mirrors toolregistry.ExecutionTarget without importing
// that package, keeping orchestrator importable by binding/emitter
// without a cycle.
type ExecutionTarget string

const (
	TargetServer ExecutionTarget = "server"
	TargetClient ExecutionTarget = "client"
)

// OnFailure is a task's declared response to its own terminal failure.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
	OnFailureRetry    OnFailure = "retry"
)

// LifecycleMessages are short, user-facing strings a task may carry for
// an outside notification sink to display; the core forwards them
// unchanged and does not interpret them.
type LifecycleMessages struct {
	OnStart   string `json:"on_start,omitempty"`
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
}

// Control carries a task's optional approval/failure/timeout policy.
type Control struct {
	RequiresApproval bool      `json:"requires_approval,omitempty"`
	ApprovalQuestion string    `json:"approval_question,omitempty"`
	OnFailure        OnFailure `json:"on_failure,omitempty"`
	TimeoutMS        int       `json:"timeout_ms,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
}

// Task is an immutable plan node.
type Task struct {
	TaskID            string                 `json:"task_id"`
	Tool              string                 `json:"tool"`
	ExecutionTarget   ExecutionTarget        `json:"execution_target"`
	DependsOn         []string               `json:"depends_on,omitempty"`
	Inputs            map[string]interface{} `json:"inputs,omitempty"`
	InputBindings     map[string]string      `json:"input_bindings,omitempty"`
	LifecycleMessages LifecycleMessages      `json:"lifecycle_messages,omitempty"`
	Control           Control                `json:"control,omitempty"`
}

// Status is a task's position in the task state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWaiting   Status = "waiting"
	StatusEmitted   Status = "emitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Output is the envelope a terminal task carries: {success, data, error}.
// It is also the shape the binding resolver reads from.
type Output struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// TaskRecord wraps a Task with mutable execution state.
type TaskRecord struct {
	Task Task

	mu              sync.RWMutex
	status          Status
	resolvedInputs  map[string]interface{}
	output          *Output
	receivedAt      time.Time
	startedAt       time.Time
	completedAt     time.Time
	retried         bool
	approvalGranted bool
}

// NewTaskRecord seeds a record in StatusPending.
func NewTaskRecord(task Task, now time.Time) *TaskRecord {
	return &TaskRecord{
		Task:       task,
		status:     StatusPending,
		receivedAt: now,
	}
}

func (r *TaskRecord) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *TaskRecord) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *TaskRecord) Output() *Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.output
}

func (r *TaskRecord) ResolvedInputs() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolvedInputs
}

// Timestamps returns received/started/completed times and the derived
// duration in milliseconds (0 if not yet completed).
func (r *TaskRecord) Timestamps() (received, started, completed time.Time, durationMS int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.completedAt.IsZero() && !r.startedAt.IsZero() {
		durationMS = r.completedAt.Sub(r.startedAt).Milliseconds()
	}
	return r.receivedAt, r.startedAt, r.completedAt, durationMS
}

// markRunning transitions to running and records the start time. Safe
// to call once per attempt.
func (r *TaskRecord) markRunning(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusRunning
	r.startedAt = now
}

// retriedOnce reports whether a retry has already been consumed for
// this record, marking one as consumed if not; a retried failure is
// never retried again.
func (r *TaskRecord) retriedOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	already := r.retried
	r.retried = true
	return already
}

// markApprovalGranted records that this task's approval gate has
// already been satisfied, so computeReadySet does not re-prompt it
// after it re-enters pending.
func (r *TaskRecord) markApprovalGranted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvalGranted = true
}

func (r *TaskRecord) approvalWasGranted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.approvalGranted
}

// MarkCompleted transitions the record to completed with output. It is
// exported for use by server/client executors and by other packages'
// test fixtures that need a record in a known terminal state; the
// engine itself calls the unexported markTerminal below directly.
func (r *TaskRecord) MarkCompleted(output Output, now time.Time) {
	r.markTerminal(StatusCompleted, output, now)
}

// MarkFailed transitions the record to failed with output.
func (r *TaskRecord) MarkFailed(output Output, now time.Time) {
	r.markTerminal(StatusFailed, output, now)
}

// markTerminal sets the final output and status exactly once per
// record; output is immutable from this point on.
func (r *TaskRecord) markTerminal(status Status, output Output, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.output = &output
	r.completedAt = now
}

// ExecutionState is a user-scoped container for one plan's run.
type ExecutionState struct {
	SessionID string

	mu    sync.Mutex
	tasks map[string]*TaskRecord
	order []string // insertion order, for deterministic iteration in tests

	done     chan struct{}
	doneOnce sync.Once

	Approvals *ApprovalQueue

	clientMu      sync.Mutex
	clientWaiters map[string]chan Output

	wake chan struct{}
}

// NewExecutionState builds an empty state for a session.
func NewExecutionState(sessionID string) *ExecutionState {
	return &ExecutionState{
		SessionID:     sessionID,
		tasks:         make(map[string]*TaskRecord),
		done:          make(chan struct{}),
		Approvals:     NewApprovalQueue(),
		clientWaiters: make(map[string]chan Output),
		wake:          make(chan struct{}, 1),
	}
}

// Wake returns a channel the scheduling loop can select on to be
// notified that an out-of-round transition (an approval grant) may
// have freed up new ready tasks.
func (s *ExecutionState) Wake() <-chan struct{} {
	return s.wake
}

// notifyReady pokes the scheduling loop without blocking if it's not
// currently listening.
func (s *ExecutionState) notifyReady() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RegisterClientWait opens a single-shot slot awaiting the client's
// acknowledgment for an emitted task.
func (s *ExecutionState) RegisterClientWait(taskID string) <-chan Output {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if ch, ok := s.clientWaiters[taskID]; ok {
		return ch
	}
	ch := make(chan Output, 1)
	s.clientWaiters[taskID] = ch
	return ch
}

// UnregisterClientWait abandons the waiting slot for taskID. Called
// when the dispatching goroutine stops listening (the task timed out
// or its emission failed), so a late client result is reported as
// discarded rather than delivered into a dead channel.
func (s *ExecutionState) UnregisterClientWait(taskID string) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	delete(s.clientWaiters, taskID)
}

// DeliverClientResult routes a client-originated task_result to the
// waiting scheduler goroutine. Returns false if no task is awaiting it
// (late/duplicate delivery after the task's timeout already fired).
func (s *ExecutionState) DeliverClientResult(taskID string, out Output) bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	ch, ok := s.clientWaiters[taskID]
	if !ok {
		return false
	}
	ch <- out
	delete(s.clientWaiters, taskID)
	return true
}

// CompletionEvent returns a channel closed exactly once every task in
// the state has reached a terminal status.
func (s *ExecutionState) CompletionEvent() <-chan struct{} {
	return s.done
}

// Seed admits the plan's tasks into the state. Returns ErrDuplicateTask
// or ErrUnknownDependency; validates acyclicity
// via ValidatePlan before admitting anything.
func (s *ExecutionState) Seed(tasks []Task, now time.Time) error {
	if err := ValidatePlan(tasks); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		if _, exists := s.tasks[t.TaskID]; exists {
			return wrapErr("Seed", t.TaskID, ErrDuplicateTask)
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, exists := s.tasks[dep]; !exists {
				if !containsTaskID(tasks, dep) {
					return wrapErr("Seed", t.TaskID, ErrUnknownDependency)
				}
			}
		}
	}

	for _, t := range tasks {
		s.tasks[t.TaskID] = NewTaskRecord(t, now)
		s.order = append(s.order, t.TaskID)
	}

	if len(tasks) == 0 {
		s.fireCompletion()
	}
	return nil
}

func containsTaskID(tasks []Task, id string) bool {
	for _, t := range tasks {
		if t.TaskID == id {
			return true
		}
	}
	return false
}

// Get returns the record for taskID, or nil if absent.
func (s *ExecutionState) Get(taskID string) *TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID]
}

// All returns every record in insertion order.
func (s *ExecutionState) All() []*TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TaskRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}

// isComplete reports whether every task is terminal. Caller must hold
// s.mu (used internally after each transition, already under lock).
func (s *ExecutionState) isComplete() bool {
	for _, rec := range s.tasks {
		if !rec.Status().Terminal() {
			return false
		}
	}
	return true
}

// IsComplete is the lock-taking counterpart of isComplete, for callers
// outside the state's own transition path (the scheduling loop).
func (s *ExecutionState) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isComplete()
}

// fireCompletion closes the done channel exactly once.
func (s *ExecutionState) fireCompletion() {
	s.doneOnce.Do(func() { close(s.done) })
}

// checkCompletion closes the completion event if every task is now
// terminal. Called after each transition.
func (s *ExecutionState) checkCompletion() {
	s.mu.Lock()
	complete := s.isComplete()
	s.mu.Unlock()
	if complete {
		s.fireCompletion()
	}
}

// Stats summarizes terminal counts, used for the session's inspectable
// terminal state.
type Stats struct {
	TasksCompleted int
	TasksFailed    int
	Errors         map[string]string // task_id -> error, for failed tasks
}

func (s *ExecutionState) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Errors: make(map[string]string)}
	for _, id := range s.order {
		rec := s.tasks[id]
		switch rec.Status() {
		case StatusCompleted:
			stats.TasksCompleted++
		case StatusFailed:
			stats.TasksFailed++
			if out := rec.Output(); out != nil {
				stats.Errors[id] = out.Error
			}
		}
	}
	return stats
}
