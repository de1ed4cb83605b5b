package mirage

import (
	"context"
	"encoding/json"
	"time"
)

// --- Roles & stop reasons ---

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason is the provider's reason for ending a generation.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// --- LLM protocol types ---

// ChatMessage is the wire-facing message shape sent to providers.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-result messages
}

// ToolCall is a tool invocation issued by the LLM.
type ToolCall struct {
	ID   string          `json:"id"` // provider-assigned
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage counts tokens consumed by a provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ChatRequest is a provider-agnostic generation request.
type ChatRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// ChatResponse is the fully accumulated result of a provider call.
type ChatResponse struct {
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// --- Tool contract ---

// RiskLevel is the five-valued lattice used to decide whether a tool call
// needs human approval: safe < low < medium < high < critical.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"safe", "low", "medium", "high", "critical"}

func (r RiskLevel) String() string {
	if r < RiskSafe || r > RiskCritical {
		return "unknown"
	}
	return riskNames[r]
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // JSON-Schema type: string, number, integer, boolean, array, object
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ToolDefinition is the metadata a tool exposes to the registry, the
// classifier, and the scheduler.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`
	Category    string      `json:"category,omitempty"` // e.g. "read", "write", "delete", "system", "network"
	Permissions []string    `json:"permissions,omitempty"`
	Risk        RiskLevel   `json:"risk"` // baseline before pattern escalation

	// Parallelizable reports whether calls to this tool may overlap with
	// other tools in the same batch. Tools that mutate shared external
	// state (device UI, files in shared paths, media session) must set
	// this false. Nil means true.
	Parallelizable *bool `json:"parallelizable,omitempty"`

	// LaneID, when set, routes serial calls through the named lane so
	// ordering spans turns and sessions.
	LaneID string `json:"lane_id,omitempty"`

	// Timeout bounds a single execution. Zero means the scheduler default.
	Timeout time.Duration `json:"-"`
}

// IsParallelizable resolves the default-true semantics of Parallelizable.
func (d ToolDefinition) IsParallelizable() bool {
	return d.Parallelizable == nil || *d.Parallelizable
}

// Schema derives the JSON-Schema input_schema object from Params.
func (d ToolDefinition) Schema() json.RawMessage {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Content  string        `json:"content"`
	Error    *ToolError    `json:"error,omitempty"`
	ToolName string        `json:"tool_name,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       int64         `json:"at,omitempty"` // Unix seconds
}

// Success reports whether the execution completed without error.
func (r ToolResult) Success() bool { return r.Error == nil }

// FailedResult builds a ToolResult carrying a structured failure.
func FailedResult(name string, err *ToolError) ToolResult {
	return ToolResult{Content: "error: " + err.Message, Error: err, ToolName: name, At: NowUnix()}
}

// CallOptions is passed to Tool.Execute alongside the validated input.
type CallOptions struct {
	SessionID string
	RunID     string
	// Cancel is closed when the run is cancelled. Tools should stop work
	// promptly; tools that ignore it are still bounded by their timeout.
	Cancel <-chan struct{}
}

// Tool is an external capability invocable by the LLM.
type Tool interface {
	// Definition returns the tool's static metadata.
	Definition() ToolDefinition
	// Execute runs the tool with already-validated arguments.
	Execute(ctx context.Context, args json.RawMessage, opts CallOptions) (ToolResult, error)
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}
