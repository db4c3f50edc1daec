package emitter

import (
	"context"
	"fmt"

	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/orchestrator"
)

// Sink is whatever is actually running the client's tools in-process,
// the desktop client-core. It receives frames synchronously and is
// expected to eventually call back into the owning ExecutionState
// (via DeliverClientResult / Approvals.Resolve) on another goroutine.
type Sink interface {
	Deliver(ctx context.Context, frame Frame) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, frame Frame) error

func (f SinkFunc) Deliver(ctx context.Context, frame Frame) error { return f(ctx, frame) }

// LocalEmitter delivers frames with a direct in-process call, no
// serialization, the desktop-mode topology (ModeDesktop).
type LocalEmitter struct {
	sink   Sink
	logger core.Logger
}

// NewLocalEmitter wires sink as the in-process delivery target.
func NewLocalEmitter(sink Sink, logger core.Logger) *LocalEmitter {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &LocalEmitter{sink: sink, logger: logger}
}

func (e *LocalEmitter) EmitTaskSingle(ctx context.Context, sessionID string, rec *orchestrator.TaskRecord, serverCompletedDependencies []string) error {
	frame := taskFrame(sessionID, rec, serverCompletedDependencies)
	e.logger.Debug("emitting task to client", map[string]interface{}{"session_id": sessionID, "task_id": rec.Task.TaskID})
	return e.sink.Deliver(ctx, frame)
}

func (e *LocalEmitter) EmitTaskBatch(ctx context.Context, sessionID string, recs []*orchestrator.TaskRecord, serverCompletedDependencies []string) error {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.Task.TaskID)
	}
	frame := Frame{
		Type:            "task_execute_batch",
		SessionID:       sessionID,
		TaskIDs:         ids,
		ServerCompleted: serverCompletedDependencies,
	}
	for _, rec := range recs {
		single := taskFrame(sessionID, rec, serverCompletedDependencies)
		if err := e.sink.Deliver(ctx, single); err != nil {
			return fmt.Errorf("emit batch task %s: %w", rec.Task.TaskID, err)
		}
	}
	return e.sink.Deliver(ctx, frame)
}

func (e *LocalEmitter) EmitAcknowledgment(ctx context.Context, sessionID, taskID, lifecycle, message string) error {
	if message == "" {
		return nil
	}
	return e.sink.Deliver(ctx, Frame{
		Type:      "acknowledgment",
		SessionID: sessionID,
		TaskID:    taskID,
		Lifecycle: lifecycle,
		Message:   message,
	})
}

func (e *LocalEmitter) RequestApproval(ctx context.Context, sessionID, taskID, question string) error {
	return e.sink.Deliver(ctx, Frame{
		Type:      "approval_request",
		SessionID: sessionID,
		TaskID:    taskID,
		Question:  question,
	})
}
