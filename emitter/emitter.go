// Package emitter implements the task emitter: the boundary that
// hands a client-targeted task to whatever is running the client tools,
// and routes the client's eventual reply back into the session's
// ExecutionState. Two implementations share one interface: LocalEmitter
// for in-process (desktop) delivery, RedisEmitter for the hosted,
// cross-process case.
package emitter

import (
	"context"

	"github.com/corelane/taskcore/orchestrator"
)

// Frame is the wire shape of every message the emitter sends or
// receives, in both directions. Not every field is populated for every
// Type.
type Frame struct {
	Type             string                 `json:"type"` // task_execute_single, task_execute_batch, acknowledgment, approval_request, task_result, approval_response
	SessionID        string                 `json:"session_id"`
	TaskID           string                 `json:"task_id,omitempty"`
	TaskIDs          []string               `json:"task_ids,omitempty"`
	Tool             string                 `json:"tool,omitempty"`
	ResolvedInputs   map[string]interface{} `json:"resolved_inputs,omitempty"`
	Lifecycle        string                 `json:"lifecycle,omitempty"` // on_start, on_success, on_failure
	Message          string                 `json:"message,omitempty"`
	Question         string                 `json:"question,omitempty"`
	Confidence       float64                `json:"confidence,omitempty"`
	ServerCompleted  []string               `json:"server_completed_dependencies,omitempty"`
	Output           *orchestrator.Output   `json:"result,omitempty"`
	Approved         bool                   `json:"approved,omitempty"`
}

// Emitter is the full client-bridge surface. It is a superset of
// orchestrator.Emitter (EmitTaskSingle, RequestApproval): the engine
// only needs the minimal port, but the scheduling loop and batch
// dispatch paths use the rest directly.
type Emitter interface {
	EmitTaskSingle(ctx context.Context, sessionID string, rec *orchestrator.TaskRecord, serverCompletedDependencies []string) error
	EmitTaskBatch(ctx context.Context, sessionID string, recs []*orchestrator.TaskRecord, serverCompletedDependencies []string) error
	EmitAcknowledgment(ctx context.Context, sessionID, taskID, lifecycle, message string) error
	RequestApproval(ctx context.Context, sessionID, taskID, question string) error
}

var (
	_ orchestrator.Emitter              = (Emitter)(nil)
	_ orchestrator.BatchEmitter         = (Emitter)(nil)
	_ orchestrator.AcknowledgingEmitter = (Emitter)(nil)
)

func taskFrame(sessionID string, rec *orchestrator.TaskRecord, serverCompletedDependencies []string) Frame {
	return Frame{
		Type:            "task_execute_single",
		SessionID:       sessionID,
		TaskID:          rec.Task.TaskID,
		Tool:            rec.Task.Tool,
		ResolvedInputs:  rec.ResolvedInputs(),
		Confidence:      rec.Task.Control.Confidence,
		ServerCompleted: serverCompletedDependencies,
	}
}
