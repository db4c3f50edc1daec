// Command taskcored is the composition root for the task orchestration
// core: it wires the provider manager, tool registry, execution
// engine, binding resolver, task emitter, and conversation memory into
// one process. The HTTP/WebSocket transport that would normally front
// this process lives elsewhere; this binary only proves the wiring
// and, given a plan file on argv, drives it to completion so the core
// can be exercised end-to-end without a transport layer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corelane/taskcore/binding"
	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/emitter"
	"github.com/corelane/taskcore/memory"
	"github.com/corelane/taskcore/orchestrator"
	"github.com/corelane/taskcore/providers"
	"github.com/corelane/taskcore/providers/anthropic"
	"github.com/corelane/taskcore/providers/openai"
	"github.com/corelane/taskcore/toolregistry"
)

func main() {
	cfg := core.DefaultConfig()
	logger := core.NewProductionLogger("taskcored")
	telemetry := core.NewOTelTelemetry("taskcore")

	go serveObservability(telemetry, logger)

	// The provider manager and conversation memory feed the planning
	// step that turns a user utterance into a Plan; the LM-calling step
	// itself belongs to the transport layer in front of this process,
	// so both are constructed and held ready here rather than driven
	// from this entrypoint.
	mgr := buildProviderManager(cfg, logger, telemetry)
	mem := memory.New(memory.ConfigFromCore(cfg), memory.NewMockEmbedder(32), logger)
	mem.Append("boot", memory.Message{ID: "boot-0", Role: "system", Content: "taskcored composition root started", Timestamp: time.Now()})
	logger.Info("planning-side dependencies wired", map[string]interface{}{
		"providers":         len(mgr.Providers()),
		"recency_pool_size": cfg.RecencyPoolSize,
	})

	registry, instances := buildRegistry(logger)
	resolver := binding.New()
	serverExec := toolregistry.NewServerExecutor(registry, instances, logger)
	emit := buildEmitter(cfg, logger)

	engine := orchestrator.NewEngine(resolver, serverExec, emit, logger, telemetry, cfg.SessionMaxFanOut)

	if len(os.Args) > 1 {
		runPlanFile(engine, os.Args[1], logger)
		return
	}

	logger.Info("taskcored composition root wired, no plan file given; serving /healthz and /metrics", map[string]interface{}{
		"execution_mode": string(cfg.ExecutionMode),
	})
	select {}
}

// buildProviderManager wires the fallback chain from whatever provider
// API keys are present in the environment; a provider with no keys
// configured is simply never reached (its key pool reports exhausted).
func buildProviderManager(cfg *core.Config, logger core.Logger, telemetry core.Telemetry) *providers.Manager {
	anthropicKeys := core.APIKeysFromEnv("TASKCORE_ANTHROPIC_API_KEYS")
	openaiKeys := core.APIKeysFromEnv("TASKCORE_OPENAI_API_KEYS")

	anthropicProvider := providers.NewProvider("anthropic", anthropicKeys, anthropic.NewClient("", logger))
	anthropicProvider.DefaultModel = "claude-3-5-sonnet-20241022"
	anthropicProvider.Priority = 1

	openaiProvider := providers.NewProvider("openai", openaiKeys, openai.NewClient("", logger))
	openaiProvider.DefaultModel = "gpt-4o-mini"
	openaiProvider.Priority = 2

	ordered := providers.OrderByEnvironment(anthropicProvider, openaiProvider)
	return providers.NewManager(cfg, logger, telemetry, ordered...)
}

// buildRegistry loads the declarative tool registry and installs a
// trivial instance per tool. Real tool implementations (file ops, web
// search, app control) live in their own packages outside this core;
// these stand-ins only let the scheduling loop be exercised end-to-end
// from this entrypoint.
func buildRegistry(logger core.Logger) (*toolregistry.Registry, *toolregistry.InstanceRegistry) {
	registry := toolregistry.New(logger)
	path := os.Getenv("TASKCORE_REGISTRY_PATH")
	if path == "" {
		path = "configs/registry.yaml"
	}
	if err := registry.Load(path); err != nil {
		logger.Error("failed to load tool registry", map[string]interface{}{"path": path, "error": err.Error()})
		os.Exit(1)
	}

	instances := toolregistry.NewInstanceRegistry()
	for _, name := range registry.ToolsByTarget(toolregistry.TargetServer) {
		name := name
		instances.Register(name, func(ctx context.Context, inputs map[string]interface{}) (toolregistry.ToolOutput, error) {
			return toolregistry.ToolOutput{Success: true, Data: map[string]interface{}{"echo": inputs, "tool": name}}, nil
		})
	}
	instances.Freeze()
	return registry, instances
}

// buildEmitter selects the client bridge topology from
// cfg.ExecutionMode, a boot-time flag. Desktop mode logs outgoing
// frames as its in-process sink since this entrypoint has no real
// desktop client attached; hosted mode requires TASKCORE_REDIS_URL.
func buildEmitter(cfg *core.Config, logger core.Logger) orchestrator.Emitter {
	if cfg.ExecutionMode != core.ModeHosted {
		sink := emitter.SinkFunc(func(ctx context.Context, frame emitter.Frame) error {
			logger.Info("client frame", map[string]interface{}{"type": frame.Type, "task_id": frame.TaskID})
			return nil
		})
		return emitter.NewLocalEmitter(sink, logger)
	}

	redisURL := os.Getenv("TASKCORE_REDIS_URL")
	if redisURL == "" {
		logger.Error("hosted execution mode requires TASKCORE_REDIS_URL", nil)
		os.Exit(1)
	}
	client, err := emitter.DialRedis(redisURL)
	if err != nil {
		logger.Error("failed to connect to redis", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	return emitter.NewRedisEmitter(client, emitter.DefaultRedisEmitterConfig(), logger)
}

// runPlanFile seeds a session from a Plan JSON document and drives it
// to completion, printing the session's terminal stats.
func runPlanFile(engine *orchestrator.Engine, path string, logger core.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read plan file", map[string]interface{}{"path": path, "error": err.Error()})
		os.Exit(1)
	}

	plan, err := orchestrator.ParsePlan(data)
	if err != nil {
		logger.Error("failed to parse plan JSON", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	sessionID := fmt.Sprintf("cli-%d", time.Now().UnixNano())
	state := orchestrator.NewExecutionState(sessionID)
	if err := state.Seed(plan.Tasks, time.Now()); err != nil {
		logger.Error("failed to seed plan", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx := core.ContextWithRequestID(context.Background(), sessionID)
	if err := engine.Run(ctx, state); err != nil {
		logger.Error("plan run ended with error", map[string]interface{}{"error": err.Error()})
	}

	stats := state.Stats()
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

// serveObservability exposes /metrics (Prometheus) and /healthz, the
// ambient surface every other package's telemetry and logger feed.
func serveObservability(telemetry *core.OTelTelemetry, logger core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := os.Getenv("TASKCORE_LISTEN_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	logger.Info("observability endpoint listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("observability server stopped", map[string]interface{}{"error": err.Error()})
	}
}
