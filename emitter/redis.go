package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/orchestrator"
)

// RedisEmitterConfig configures the hosted-mode channel naming and
// retry behavior.
type RedisEmitterConfig struct {
	// ChannelPrefix namespaces the pub/sub keys per deployment.
	// Default: "taskcore".
	ChannelPrefix string

	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultRedisEmitterConfig returns the documented defaults.
func DefaultRedisEmitterConfig() RedisEmitterConfig {
	return RedisEmitterConfig{
		ChannelPrefix: "taskcore",
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

func (c RedisEmitterConfig) toClientChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:to_client", c.ChannelPrefix, sessionID)
}

func (c RedisEmitterConfig) fromClientChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:from_client", c.ChannelPrefix, sessionID)
}

// RedisEmitter delivers frames over Redis pub/sub, for the hosted
// topology where the client bridge runs in a different process than
// the engine (ModeHosted). Pub/sub rather than a work queue: a
// task_execute_single frame has exactly one intended reader, the
// session's current client connection, not a competing pool of
// workers.
type RedisEmitter struct {
	client *redis.Client
	config RedisEmitterConfig
	logger core.Logger
}

// DialRedis parses a redis:// URL and returns a client for it (the
// connection is opened lazily, on the first command),
// the entrypoint-facing counterpart to the test suite's miniredis
// setup: both ultimately hand NewRedisEmitter a *redis.Client.
func DialRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis emitter: parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisEmitter wires client as the transport. client should already
// be connected.
func NewRedisEmitter(client *redis.Client, config RedisEmitterConfig, logger core.Logger) *RedisEmitter {
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = "taskcore"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &RedisEmitter{client: client, config: config, logger: logger}
}

func (e *RedisEmitter) publish(ctx context.Context, channel string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("redis emitter: marshal frame: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < e.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(e.config.RetryDelay)
		}
		if err := e.client.Publish(ctx, channel, data).Err(); err != nil {
			lastErr = err
			e.logger.WarnWithContext(ctx, "redis emitter publish attempt failed", map[string]interface{}{
				"channel": channel, "attempt": attempt + 1, "error": err.Error(),
			})
			continue
		}
		return nil
	}
	return fmt.Errorf("redis emitter: publish to %s after %d attempts: %w", channel, e.config.RetryAttempts, lastErr)
}

func (e *RedisEmitter) EmitTaskSingle(ctx context.Context, sessionID string, rec *orchestrator.TaskRecord, serverCompletedDependencies []string) error {
	frame := taskFrame(sessionID, rec, serverCompletedDependencies)
	return e.publish(ctx, e.config.toClientChannel(sessionID), frame)
}

func (e *RedisEmitter) EmitTaskBatch(ctx context.Context, sessionID string, recs []*orchestrator.TaskRecord, serverCompletedDependencies []string) error {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.Task.TaskID)
		if err := e.EmitTaskSingle(ctx, sessionID, rec, serverCompletedDependencies); err != nil {
			return err
		}
	}
	return e.publish(ctx, e.config.toClientChannel(sessionID), Frame{
		Type: "task_execute_batch", SessionID: sessionID, TaskIDs: ids, ServerCompleted: serverCompletedDependencies,
	})
}

func (e *RedisEmitter) EmitAcknowledgment(ctx context.Context, sessionID, taskID, lifecycle, message string) error {
	if message == "" {
		return nil
	}
	return e.publish(ctx, e.config.toClientChannel(sessionID), Frame{
		Type: "acknowledgment", SessionID: sessionID, TaskID: taskID, Lifecycle: lifecycle, Message: message,
	})
}

func (e *RedisEmitter) RequestApproval(ctx context.Context, sessionID, taskID, question string) error {
	return e.publish(ctx, e.config.toClientChannel(sessionID), Frame{
		Type: "approval_request", SessionID: sessionID, TaskID: taskID, Question: question,
	})
}

// Listen subscribes to sessionID's reverse channel and routes
// task_result/approval_response frames into state until ctx is
// cancelled. Run it once per active session in its own goroutine; it
// returns when ctx is done or the subscription errors.
func (e *RedisEmitter) Listen(ctx context.Context, sessionID string, state *orchestrator.ExecutionState) error {
	sub := e.client.Subscribe(ctx, e.config.fromClientChannel(sessionID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e.route(ctx, state, msg.Payload)
		}
	}
}

func (e *RedisEmitter) route(ctx context.Context, state *orchestrator.ExecutionState, payload string) {
	var frame Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		e.logger.ErrorWithContext(ctx, "redis emitter: malformed frame from client", map[string]interface{}{"error": err.Error()})
		return
	}

	switch frame.Type {
	case "task_result":
		var out orchestrator.Output
		if frame.Output != nil {
			out = *frame.Output
		}
		if !state.DeliverClientResult(frame.TaskID, out) {
			e.logger.WarnWithContext(ctx, "redis emitter: task_result for unknown/late task", map[string]interface{}{"task_id": frame.TaskID})
		}
	case "approval_response":
		if !state.Approvals.Resolve(frame.TaskID, frame.Approved) {
			e.logger.WarnWithContext(ctx, "redis emitter: approval_response for unknown/stale task", map[string]interface{}{"task_id": frame.TaskID})
		}
	default:
		e.logger.WarnWithContext(ctx, "redis emitter: unrecognized frame type from client", map[string]interface{}{"type": frame.Type})
	}
}
