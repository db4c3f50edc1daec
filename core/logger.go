package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is a structured logger that writes JSON when
// TASKCORE_LOG_FORMAT is "json" and plain text otherwise; no container
// environment is detected. It is the default logger
// wired into the composition root; components that only need a
// lightweight no-op use NoOpLogger instead.
type ProductionLogger struct {
	mu        sync.Mutex
	component string
	format    string
	debug     bool
	out       io.Writer
}

// NewProductionLogger builds a ProductionLogger for the named component.
// Configuration is environment-driven, matching the rest of the ambient
// stack: no call is required to start.
func NewProductionLogger(component string) *ProductionLogger {
	format := os.Getenv("TASKCORE_LOG_FORMAT")
	if format == "" {
		format = "text"
	}
	return &ProductionLogger{
		component: component,
		format:    format,
		debug:     strings.EqualFold(os.Getenv("TASKCORE_LOG_LEVEL"), "debug"),
		out:       os.Stdout,
	}
}

// WithComponent returns a logger scoped to a nested component name,
// e.g. "orchestrator/session".
func (l *ProductionLogger) WithComponent(name string) Logger {
	return &ProductionLogger{component: name, format: l.format, debug: l.debug, out: l.out}
}

func (l *ProductionLogger) write(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := map[string]interface{}{
			"ts":        time.Now().UTC().Format(time.RFC3339Nano),
			"level":     level,
			"component": l.component,
			"msg":       msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		enc := json.NewEncoder(l.out)
		_ = enc.Encode(entry)
		return
	}

	fmt.Fprintf(l.out, "%s [%s] %s: %s %v\n", time.Now().UTC().Format(time.RFC3339), level, l.component, msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.write("INFO", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.write("WARN", msg, fields) }
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) { l.write("ERROR", msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if l.debug {
		l.write("DEBUG", msg, fields)
	}
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withRequestID(ctx, fields))
}
func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withRequestID(ctx, fields))
}
func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withRequestID(ctx, fields))
}
func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withRequestID(ctx, fields))
}

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// ContextWithRequestID attaches a request/session id to ctx for log
// correlation across the scheduling loop and provider calls.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func withRequestID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, _ := ctx.Value(requestIDKey).(string)
	if id == "" {
		return fields
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["request_id"] = id
	return fields
}
