// Package toolregistry implements the tool registry:
// a read-only, once-loaded map from tool name to ToolMetadata, plus a
// parallel instance registry of constructed tool callables.
package toolregistry

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/corelane/taskcore/core"
)

// ExecutionTarget is the surface a tool runs on.
type ExecutionTarget string

const (
	TargetServer ExecutionTarget = "server"
	TargetClient ExecutionTarget = "client"
)

// ToolMetadata is loaded once at startup and never mutated afterward.
type ToolMetadata struct {
	ToolName        string                 `json:"tool_name" yaml:"tool_name"`
	Description     string                 `json:"description" yaml:"description"`
	ExecutionTarget ExecutionTarget        `json:"execution_target" yaml:"execution_target"`
	ParamsSchema    map[string]interface{} `json:"params_schema" yaml:"params_schema"`
	OutputSchema    map[string]interface{} `json:"output_schema" yaml:"output_schema"`
	Category        string                 `json:"category" yaml:"category"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// toolGroup and document mirror the on-disk registry file shape:
// {version, categories: {category: {tools: [...]}}}.
type toolGroup struct {
	Tools []ToolMetadata `yaml:"tools"`
}

type document struct {
	Version    string               `yaml:"version"`
	Categories map[string]toolGroup `yaml:"categories"`
}

// Registry maps tool_name -> ToolMetadata. After Load succeeds the
// Registry is read-only; a second Load call is a no-op.
type Registry struct {
	mu       sync.RWMutex
	loaded   bool
	byName   map[string]ToolMetadata
	byTarget map[ExecutionTarget][]string
	byCat    map[string][]string
	logger   core.Logger
}

// New builds an empty, unloaded Registry.
func New(logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Registry{
		byName:   make(map[string]ToolMetadata),
		byTarget: make(map[ExecutionTarget][]string),
		byCat:    make(map[string][]string),
		logger:   logger,
	}
}

// Load parses the registry document at path and populates the
// Registry. Parsing is strict: any unknown execution_target is a
// startup error. Calling Load again after a successful load is a
// no-op and returns nil.
func (r *Registry) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("toolregistry: read %s: %w", path, err)
	}
	return r.loadBytes(data)
}

// LoadBytes parses an in-memory registry document, useful for tests and
// embedded defaults. Same no-op-on-reload semantics as Load.
func (r *Registry) LoadBytes(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}
	return r.loadBytes(data)
}

func (r *Registry) loadBytes(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("toolregistry: parse registry document: %w", err)
	}

	byName := make(map[string]ToolMetadata)
	byTarget := make(map[ExecutionTarget][]string)
	byCat := make(map[string][]string)

	for category, group := range doc.Categories {
		for _, tool := range group.Tools {
			if tool.ExecutionTarget != TargetServer && tool.ExecutionTarget != TargetClient {
				return fmt.Errorf("%w: tool %q has execution_target %q", core.ErrUnknownTarget, tool.ToolName, tool.ExecutionTarget)
			}
			if _, exists := byName[tool.ToolName]; exists {
				return fmt.Errorf("%w: %s", core.ErrDuplicateTool, tool.ToolName)
			}
			if tool.Category == "" {
				tool.Category = category
			}
			byName[tool.ToolName] = tool
			byTarget[tool.ExecutionTarget] = append(byTarget[tool.ExecutionTarget], tool.ToolName)
			byCat[tool.Category] = append(byCat[tool.Category], tool.ToolName)
		}
	}

	r.byName = byName
	r.byTarget = byTarget
	r.byCat = byCat
	r.loaded = true

	r.logger.Info("tool registry loaded", map[string]interface{}{
		"version":    doc.Version,
		"tool_count": len(byName),
	})
	return nil
}

// GetTool returns the metadata for name, or ErrToolNotFound.
func (r *Registry) GetTool(name string) (ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return ToolMetadata{}, core.ErrRegistryNotLoaded
	}
	meta, ok := r.byName[name]
	if !ok {
		return ToolMetadata{}, fmt.Errorf("%w: %s", core.ErrToolNotFound, name)
	}
	return meta, nil
}

// ValidateTool reports whether name is a known, registered tool.
func (r *Registry) ValidateTool(name string) bool {
	_, err := r.GetTool(name)
	return err == nil
}

// ToolsByTarget returns every tool name registered for target.
func (r *Registry) ToolsByTarget(target ExecutionTarget) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.byTarget[target]))
	copy(out, r.byTarget[target])
	return out
}

// ToolsByCategory returns every tool name registered under category.
func (r *Registry) ToolsByCategory(category string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.byCat[category]))
	copy(out, r.byCat[category])
	return out
}

// Loaded reports whether Load/LoadBytes has populated the registry.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}
