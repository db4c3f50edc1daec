package emitter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/orchestrator"
)

// setupTestRedis starts an in-memory miniredis instance so the tests
// are isolated from a real Redis deployment.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisEmitterChannelNaming(t *testing.T) {
	cfg := DefaultRedisEmitterConfig()
	assert.Equal(t, "taskcore:session:sess-1:to_client", cfg.toClientChannel("sess-1"))
	assert.Equal(t, "taskcore:session:sess-1:from_client", cfg.fromClientChannel("sess-1"))
}

func TestRedisEmitterPublishesTaskSingle(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, DefaultRedisEmitterConfig().toClientChannel("sess-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	e := NewRedisEmitter(client, DefaultRedisEmitterConfig(), core.NoOpLogger{})

	state := orchestrator.NewExecutionState("sess-1")
	require.NoError(t, state.Seed([]orchestrator.Task{
		{TaskID: "A", Tool: "file_create", ExecutionTarget: orchestrator.TargetClient},
	}, time.Now()))
	rec := state.Get("A")

	require.NoError(t, e.EmitTaskSingle(ctx, "sess-1", rec, []string{"B"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"task_execute_single"`)
	assert.Contains(t, msg.Payload, `"A"`)
}

func TestRedisEmitterRoutesTaskResultAndApproval(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	e := NewRedisEmitter(client, DefaultRedisEmitterConfig(), core.NoOpLogger{})

	state := orchestrator.NewExecutionState("sess-1")
	require.NoError(t, state.Seed([]orchestrator.Task{
		{TaskID: "A", ExecutionTarget: orchestrator.TargetClient},
		{TaskID: "B", Control: orchestrator.Control{RequiresApproval: true}},
	}, time.Now()))
	wait := state.RegisterClientWait("A")
	approvalCh := state.Approvals.Register("B")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Listen(ctx, "sess-1", state) }()

	channel := DefaultRedisEmitterConfig().fromClientChannel("sess-1")
	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, channel,
			`{"type":"task_result","task_id":"A","result":{"success":true,"data":{"x":1}}}`).Result()
		return err == nil && n > 0
	}, time.Second, 10*time.Millisecond, "waiting for Listen's subscription to become active")

	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, channel, `{"type":"approval_response","task_id":"B","approved":true}`).Result()
		return err == nil && n > 0
	}, time.Second, 10*time.Millisecond)

	select {
	case out := <-wait:
		assert.True(t, out.Success)
		assert.Equal(t, float64(1), out.Data["x"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed task_result")
	}

	select {
	case approved := <-approvalCh:
		assert.True(t, approved)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed approval_response")
	}

	cancel()
	<-done
}
