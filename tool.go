package mirage

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// ToolSource records how a tool got into the registry.
type ToolSource string

const (
	SourceBuiltin ToolSource = "builtin"
	SourcePlugin  ToolSource = "plugin"
)

type registeredTool struct {
	tool         Tool
	enabled      bool
	source       ToolSource
	registeredAt int64
}

// ToolRegistry maps tool names to registered tools with enablement and
// provenance. Registration is idempotent; re-registering an existing name
// overrides it with a warning. Safe for concurrent use.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithRegistryLogger sets the structured logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:  make(map[string]*registeredTool),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a built-in tool.
func (r *ToolRegistry) Register(t Tool) {
	r.register(t, SourceBuiltin)
}

// RegisterPlugin adds a plugin-provided tool.
func (r *ToolRegistry) RegisterPlugin(t Tool) {
	r.register(t, SourcePlugin)
}

func (r *ToolRegistry) register(t Tool, source ToolSource) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool re-registered, overriding", "tool", name, "source", string(source))
	}
	r.tools[name] = &registeredTool{
		tool:         t,
		enabled:      true,
		source:       source,
		registeredAt: NowUnix(),
	}
}

// Unregister removes a tool, typically on plugin unload.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool iff it is registered and enabled.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok || !rt.enabled {
		return nil, false
	}
	return rt.tool, true
}

// SetEnabled toggles a tool without unregistering it. Returns false if the
// tool is unknown.
func (r *ToolRegistry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tools[name]
	if !ok {
		return false
	}
	rt.enabled = enabled
	return true
}

// Definitions returns the definitions of all enabled tools, sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		if rt.enabled {
			defs = append(defs, rt.tool.Definition())
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// AnthropicFormat renders enabled tools in the Anthropic Messages API
// shape: { name, description, input_schema }.
func (r *ToolRegistry) AnthropicFormat() []map[string]any {
	defs := r.Definitions()
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"name":         d.Name,
			"description":  d.Description,
			"input_schema": json.RawMessage(d.Schema()),
		})
	}
	return out
}

// OpenAIFormat renders enabled tools in the OpenAI function-calling shape:
// { type: function, function: { name, description, parameters } }.
func (r *ToolRegistry) OpenAIFormat() []map[string]any {
	defs := r.Definitions()
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  json.RawMessage(d.Schema()),
			},
		})
	}
	return out
}

// RegistryStats summarizes the registry contents.
type RegistryStats struct {
	Total      int            `json:"total"`
	Enabled    int            `json:"enabled"`
	BySource   map[string]int `json:"by_source"`
	ByCategory map[string]int `json:"by_category"`
}

// Stats counts registered tools by source and category.
func (r *ToolRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{
		BySource:   make(map[string]int),
		ByCategory: make(map[string]int),
	}
	for _, rt := range r.tools {
		stats.Total++
		if rt.enabled {
			stats.Enabled++
		}
		stats.BySource[string(rt.source)]++
		cat := rt.tool.Definition().Category
		if cat == "" {
			cat = "uncategorized"
		}
		stats.ByCategory[cat]++
	}
	return stats
}
