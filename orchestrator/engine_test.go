package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver resolves $.<task_id>.data.<field> bindings directly
// against the session state, without depending on the binding package
// (which itself depends on this one).
type fakeResolver struct{}

func (fakeResolver) Resolve(state *ExecutionState, task Task) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(task.Inputs))
	for k, v := range task.Inputs {
		resolved[k] = v
	}
	for param, expr := range task.InputBindings {
		// expr is "$.<id>.data.<field>"
		parts := splitBinding(expr)
		upstream := state.Get(parts[0])
		if upstream == nil || upstream.Output() == nil || !upstream.Output().Success {
			return nil, errors.New("dependency_failed")
		}
		resolved[param] = upstream.Output().Data[parts[1]]
	}
	return resolved, nil
}

func splitBinding(expr string) [2]string {
	// "$.A.data.val" -> ["A", "val"]
	var id, field string
	rest := expr[2:] // drop "$."
	dot := indexByte(rest, '.')
	id = rest[:dot]
	field = rest[dot+len("data.")+1:]
	return [2]string{id, field}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

type fakeServerExecutor struct {
	mu      sync.Mutex
	calls   []string
	results map[string]Output
	errs    map[string]error
	delay   map[string]time.Duration
}

func newFakeServerExecutor() *fakeServerExecutor {
	return &fakeServerExecutor{results: map[string]Output{}, errs: map[string]error{}, delay: map[string]time.Duration{}}
}

func (f *fakeServerExecutor) Execute(ctx context.Context, tool string, resolved map[string]interface{}) (Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()

	if d := f.delay[tool]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
	if err, ok := f.errs[tool]; ok {
		return Output{}, err
	}
	if out, ok := f.results[tool]; ok {
		return out, nil
	}
	return Output{Success: true, Data: map[string]interface{}{}}, nil
}

type fakeEmitter struct {
	mu           sync.Mutex
	emitted      []string
	batches      int
	approvalReqs []string // "task_id:question"
	approved     map[string]bool
	acks         []string // "lifecycle:message"
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{approved: map[string]bool{}}
}

func (f *fakeEmitter) EmitTaskSingle(ctx context.Context, sessionID string, rec *TaskRecord, completedDeps []string) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, rec.Task.TaskID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEmitter) EmitTaskBatch(ctx context.Context, sessionID string, recs []*TaskRecord, completedDeps []string) error {
	f.mu.Lock()
	for _, rec := range recs {
		f.emitted = append(f.emitted, rec.Task.TaskID)
	}
	f.batches++
	f.mu.Unlock()
	return nil
}

func (f *fakeEmitter) RequestApproval(ctx context.Context, sessionID, taskID, question string) error {
	f.mu.Lock()
	f.approvalReqs = append(f.approvalReqs, taskID+":"+question)
	f.mu.Unlock()
	return nil
}

func (f *fakeEmitter) EmitAcknowledgment(ctx context.Context, sessionID, taskID, lifecycle, message string) error {
	f.mu.Lock()
	f.acks = append(f.acks, lifecycle+":"+message)
	f.mu.Unlock()
	return nil
}

func TestEnginePureServerChain(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "web_search", ExecutionTarget: TargetServer},
		{TaskID: "B", Tool: "ai_summarize", ExecutionTarget: TargetServer, DependsOn: []string{"A"},
			InputBindings: map[string]string{"context": "$.A.data.results"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.results["web_search"] = Output{Success: true, Data: map[string]interface{}{"results": "gold is $2000"}}

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	assert.Equal(t, StatusCompleted, state.Get("A").Status())
	assert.Equal(t, StatusCompleted, state.Get("B").Status())
	stats := state.Stats()
	assert.Equal(t, 2, stats.TasksCompleted)
	assert.Equal(t, 0, stats.TasksFailed)

	select {
	case <-state.CompletionEvent():
	default:
		t.Fatal("completion event did not fire")
	}
}

func TestEngineDiamondRunsBAndCConcurrently(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "a", ExecutionTarget: TargetServer},
		{TaskID: "B", Tool: "b", ExecutionTarget: TargetServer, DependsOn: []string{"A"}},
		{TaskID: "C", Tool: "c", ExecutionTarget: TargetServer, DependsOn: []string{"A"}},
		{TaskID: "D", Tool: "d", ExecutionTarget: TargetServer, DependsOn: []string{"B", "C"},
			InputBindings: map[string]string{"x": "$.B.data.val", "y": "$.C.data.val"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.delay["b"] = 30 * time.Millisecond
	srv.delay["c"] = 30 * time.Millisecond
	srv.results["b"] = Output{Success: true, Data: map[string]interface{}{"val": 2}}
	srv.results["c"] = Output{Success: true, Data: map[string]interface{}{"val": 3}}

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)

	start := time.Now()
	require.NoError(t, eng.Run(context.Background(), state))
	elapsed := time.Since(start)

	// If B and C ran concurrently, total time is well under their sum
	// (60ms); sequential execution would take at least that long.
	assert.Less(t, elapsed, 55*time.Millisecond)

	resolved := state.Get("D").ResolvedInputs()
	assert.Equal(t, 2, resolved["x"])
	assert.Equal(t, 3, resolved["y"])
}

func TestEngineApprovalDenied(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "delete_account", ExecutionTarget: TargetServer,
			Control: Control{RequiresApproval: true, ApprovalQuestion: "OK to delete?"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	emitter := newFakeEmitter()
	eng := NewEngine(fakeResolver{}, newFakeServerExecutor(), emitter, nil, nil, 0)

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), state) }()

	require.Eventually(t, func() bool { return state.Get("A").Status() == StatusWaiting }, time.Second, time.Millisecond)

	// The engine must have raised the prompt on the client surface,
	// exactly once, before anything can answer it.
	emitter.mu.Lock()
	approvalReqs := append([]string(nil), emitter.approvalReqs...)
	emitter.mu.Unlock()
	assert.Equal(t, []string{"A:OK to delete?"}, approvalReqs)

	state.Approvals.Resolve("A", false)

	require.NoError(t, <-done)
	assert.Equal(t, StatusFailed, state.Get("A").Status())
	assert.Contains(t, state.Get("A").Output().Error, "approval_denied")
}

func TestEngineApprovalGrantedRunsTask(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "send_email", ExecutionTarget: TargetServer,
			Control: Control{RequiresApproval: true}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	emitter := newFakeEmitter()
	eng := NewEngine(fakeResolver{}, srv, emitter, nil, nil, 0)

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), state) }()

	require.Eventually(t, func() bool { return state.Get("A").Status() == StatusWaiting }, time.Second, time.Millisecond)
	state.Approvals.Resolve("A", true)

	require.NoError(t, <-done)
	assert.Equal(t, StatusCompleted, state.Get("A").Status())
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Len(t, emitter.approvalReqs, 1, "a granted task is prompted exactly once")
}

func TestEngineOnFailureAbortPropagatesToDependents(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "a", ExecutionTarget: TargetServer, Control: Control{OnFailure: OnFailureAbort}},
		{TaskID: "B", Tool: "b", ExecutionTarget: TargetServer, DependsOn: []string{"A"}},
		{TaskID: "C", Tool: "c", ExecutionTarget: TargetServer}, // independent lineage
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.errs["a"] = errors.New("boom")

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	assert.Equal(t, StatusFailed, state.Get("A").Status())
	assert.Equal(t, StatusFailed, state.Get("B").Status())
	assert.Contains(t, state.Get("B").Output().Error, "dependency_failed")
	assert.Equal(t, StatusCompleted, state.Get("C").Status(), "independent sibling must still complete")
}

func TestEngineOnFailureContinueLeavesDependentsEligible(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "a", ExecutionTarget: TargetServer, Control: Control{OnFailure: OnFailureContinue}},
		{TaskID: "B", Tool: "b", ExecutionTarget: TargetServer, DependsOn: []string{"A"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.errs["a"] = errors.New("boom")

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	assert.Equal(t, StatusFailed, state.Get("A").Status())
	// B is dispatched (not force-failed by the engine); since it has no
	// bindings on A's output in this fixture, it completes normally.
	assert.Equal(t, StatusCompleted, state.Get("B").Status())
}

func TestEngineTaskTimeout(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "slow", ExecutionTarget: TargetServer, Control: Control{TimeoutMS: 10}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.delay["slow"] = 100 * time.Millisecond

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	assert.Equal(t, StatusFailed, state.Get("A").Status())
	assert.Contains(t, state.Get("A").Output().Error, "timeout")
}

func TestEngineClientDispatchAwaitsAcknowledgment(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "file_create", ExecutionTarget: TargetClient},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	emitter := newFakeEmitter()
	eng := NewEngine(fakeResolver{}, newFakeServerExecutor(), emitter, nil, nil, 0)

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), state) }()

	require.Eventually(t, func() bool { return state.Get("A").Status() == StatusEmitted }, time.Second, time.Millisecond)
	state.DeliverClientResult("A", Output{Success: true, Data: map[string]interface{}{"path": "~/proj"}})

	require.NoError(t, <-done)
	assert.Equal(t, StatusCompleted, state.Get("A").Status())
	assert.Equal(t, []string{"A"}, emitter.emitted)
}

func TestEngineForwardsLifecycleMessagesAsAcknowledgments(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "a", ExecutionTarget: TargetServer,
			LifecycleMessages: LifecycleMessages{OnStart: "starting A", OnSuccess: "finished A"}},
		{TaskID: "B", Tool: "b", ExecutionTarget: TargetServer,
			LifecycleMessages: LifecycleMessages{OnFailure: "B blew up"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.errs["b"] = errors.New("boom")

	emitter := newFakeEmitter()
	eng := NewEngine(fakeResolver{}, srv, emitter, nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	assert.Contains(t, emitter.acks, "on_start:starting A")
	assert.Contains(t, emitter.acks, "on_success:finished A")
	assert.Contains(t, emitter.acks, "on_failure:B blew up")
}

func TestEngineEmptyPlanFiresCompletionImmediately(t *testing.T) {
	state := NewExecutionState("s1")
	require.NoError(t, state.Seed(nil, time.Now()))

	eng := NewEngine(fakeResolver{}, newFakeServerExecutor(), newFakeEmitter(), nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	select {
	case <-state.CompletionEvent():
	default:
		t.Fatal("expected completion event to have fired for an empty plan")
	}
}

func TestValidatePlanRejectsCycles(t *testing.T) {
	err := ValidatePlan([]Task{
		{TaskID: "A", DependsOn: []string{"B"}},
		{TaskID: "B", DependsOn: []string{"A"}},
	})
	assert.ErrorIs(t, err, ErrCyclicPlan)
}

func TestValidatePlanRejectsUnknownDependency(t *testing.T) {
	err := ValidatePlan([]Task{
		{TaskID: "A", DependsOn: []string{"ghost"}},
	})
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestEngineParallelClientTasksEmittedBeforeResults(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "file_create", ExecutionTarget: TargetClient},
		{TaskID: "B", Tool: "file_create", ExecutionTarget: TargetClient},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	emitter := newFakeEmitter()
	eng := NewEngine(fakeResolver{}, newFakeServerExecutor(), emitter, nil, nil, 0)

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), state) }()

	// Both independent client tasks are emitted before either result
	// comes back: the fan-out is concurrent, not sequential.
	require.Eventually(t, func() bool {
		emitter.mu.Lock()
		defer emitter.mu.Unlock()
		return len(emitter.emitted) == 2
	}, time.Second, time.Millisecond)

	state.DeliverClientResult("A", Output{Success: true})
	state.DeliverClientResult("B", Output{Success: true})

	require.NoError(t, <-done)
	assert.Equal(t, StatusCompleted, state.Get("A").Status())
	assert.Equal(t, StatusCompleted, state.Get("B").Status())

	// Two client tasks in the same round ship as one batch delivery.
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Equal(t, 1, emitter.batches)
}

func TestEngineBatchDropsUnresolvableTaskAndShipsTheRest(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "a", ExecutionTarget: TargetServer, Control: Control{OnFailure: OnFailureContinue}},
		{TaskID: "B", Tool: "file_create", ExecutionTarget: TargetClient, DependsOn: []string{"A"},
			InputBindings: map[string]string{"content": "$.A.data.text"}},
		{TaskID: "C", Tool: "file_create", ExecutionTarget: TargetClient, DependsOn: []string{"A"}},
		{TaskID: "D", Tool: "file_create", ExecutionTarget: TargetClient, DependsOn: []string{"A"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.errs["a"] = errors.New("boom")

	emitter := newFakeEmitter()
	eng := NewEngine(fakeResolver{}, srv, emitter, nil, nil, 0)

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), state) }()

	// A fails with the continue policy, so B, C, D all become ready in
	// one round; B's binding on A's output cannot resolve and is failed
	// task-locally, while C and D still go out in a single batch.
	require.Eventually(t, func() bool {
		emitter.mu.Lock()
		defer emitter.mu.Unlock()
		return len(emitter.emitted) == 2
	}, time.Second, time.Millisecond)

	state.DeliverClientResult("C", Output{Success: true})
	state.DeliverClientResult("D", Output{Success: true})

	require.NoError(t, <-done)
	assert.Equal(t, StatusFailed, state.Get("B").Status())
	assert.Equal(t, StatusCompleted, state.Get("C").Status())
	assert.Equal(t, StatusCompleted, state.Get("D").Status())
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Equal(t, 1, emitter.batches)
	assert.ElementsMatch(t, []string{"C", "D"}, emitter.emitted)
}

func TestEngineRetryPolicyRetriesOnceThenAborts(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "flaky", ExecutionTarget: TargetServer, Control: Control{OnFailure: OnFailureRetry}},
		{TaskID: "B", Tool: "b", ExecutionTarget: TargetServer, DependsOn: []string{"A"}},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.errs["flaky"] = errors.New("boom")

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)
	require.NoError(t, eng.Run(context.Background(), state))

	srv.mu.Lock()
	attempts := 0
	for _, call := range srv.calls {
		if call == "flaky" {
			attempts++
		}
	}
	srv.mu.Unlock()

	assert.Equal(t, 2, attempts, "retry policy allows exactly one extra attempt")
	assert.Equal(t, StatusFailed, state.Get("A").Status())
	assert.Equal(t, StatusFailed, state.Get("B").Status())
	assert.Contains(t, state.Get("B").Output().Error, "dependency_failed")
}

func TestEngineSessionCancellationFailsInFlightTask(t *testing.T) {
	state := NewExecutionState("s1")
	tasks := []Task{
		{TaskID: "A", Tool: "slow", ExecutionTarget: TargetServer},
	}
	require.NoError(t, state.Seed(tasks, time.Now()))

	srv := newFakeServerExecutor()
	srv.delay["slow"] = time.Second

	eng := NewEngine(fakeResolver{}, srv, newFakeEmitter(), nil, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, state) }()

	require.Eventually(t, func() bool { return state.Get("A").Status() == StatusRunning }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, err == nil || errors.Is(err, context.Canceled))
	assert.Equal(t, StatusFailed, state.Get("A").Status())
	assert.Contains(t, state.Get("A").Output().Error, "cancelled")

	select {
	case <-state.CompletionEvent():
	case <-time.After(time.Second):
		t.Fatal("completion event must fire after session cancellation")
	}
}
