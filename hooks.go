package mirage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// HookContext is the mutable state a tool call carries through the hook
// chains. Before hooks see Args; after hooks additionally see Result,
// IsError and Duration.
type HookContext struct {
	ToolName  string
	Args      json.RawMessage
	SessionID string
	RunID     string

	// After-phase fields.
	Result   *ToolResult
	IsError  bool
	Duration time.Duration
}

// BeforeDecision is returned by a before hook. The zero value means
// "proceed unchanged".
type BeforeDecision struct {
	// Block stops the call; BlockReason explains why.
	Block       bool
	BlockReason string
	// ModifiedArgs, when non-nil, replaces the call's arguments. Later
	// hooks in the chain see the modification.
	ModifiedArgs json.RawMessage
	// OverrideResult, when non-nil, short-circuits execution entirely and
	// becomes the call's result.
	OverrideResult *ToolResult
}

// AfterDecision is returned by an after hook. The zero value leaves the
// result untouched.
type AfterDecision struct {
	// Result, when non-nil, replaces the call's result. Later hooks see
	// the replacement.
	Result *ToolResult
	// Metadata entries are merged across all after hooks.
	Metadata map[string]any
}

// BeforeHook runs before tool execution.
type BeforeHook func(ctx context.Context, hc *HookContext) (BeforeDecision, error)

// AfterHook runs after tool execution.
type AfterHook func(ctx context.Context, hc *HookContext) (AfterDecision, error)

type beforeEntry struct {
	name     string
	priority int
	fn       BeforeHook
}

type afterEntry struct {
	name     string
	priority int
	fn       AfterHook
}

// BeforeOutcome is the composed result of the before chain.
type BeforeOutcome struct {
	Proceed        bool
	Args           json.RawMessage
	BlockReason    string
	BlockedBy      string
	OverrideResult *ToolResult
}

// AfterOutcome is the composed result of the after chain.
type AfterOutcome struct {
	Result   ToolResult
	Metadata map[string]any
}

// HookRunner holds priority-sorted before and after hook chains for tool
// execution. Higher priority runs first. A hook returning an error or
// panicking is logged and skipped; the chain continues. Safe for
// concurrent use.
type HookRunner struct {
	mu     sync.RWMutex
	before []beforeEntry
	after  []afterEntry
	logger *slog.Logger
}

// HookRunnerOption configures a HookRunner.
type HookRunnerOption func(*HookRunner)

// WithHookLogger sets the structured logger.
func WithHookLogger(l *slog.Logger) HookRunnerOption {
	return func(h *HookRunner) { h.logger = l }
}

// NewHookRunner creates an empty runner.
func NewHookRunner(opts ...HookRunnerOption) *HookRunner {
	h := &HookRunner{logger: nopLogger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddBefore registers a before hook. Higher priority runs first; equal
// priorities keep registration order.
func (h *HookRunner) AddBefore(name string, priority int, fn BeforeHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, beforeEntry{name: name, priority: priority, fn: fn})
	sort.SliceStable(h.before, func(i, j int) bool { return h.before[i].priority > h.before[j].priority })
}

// AddAfter registers an after hook. Higher priority runs first.
func (h *HookRunner) AddAfter(name string, priority int, fn AfterHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, afterEntry{name: name, priority: priority, fn: fn})
	sort.SliceStable(h.after, func(i, j int) bool { return h.after[i].priority > h.after[j].priority })
}

// ExecuteBefore runs the before chain. The first hook that blocks or
// overrides short-circuits; argument modifications accumulate so each
// later hook sees the current args.
func (h *HookRunner) ExecuteBefore(ctx context.Context, hc *HookContext) BeforeOutcome {
	h.mu.RLock()
	chain := append([]beforeEntry(nil), h.before...)
	h.mu.RUnlock()

	out := BeforeOutcome{Proceed: true, Args: hc.Args}
	for _, entry := range chain {
		dec, err := h.runBefore(ctx, entry, hc)
		if err != nil {
			h.logger.Warn("before hook failed", "hook", entry.name, "tool", hc.ToolName, "error", err)
			continue
		}
		if dec.ModifiedArgs != nil {
			hc.Args = dec.ModifiedArgs
			out.Args = dec.ModifiedArgs
		}
		if dec.Block {
			out.Proceed = false
			out.BlockReason = dec.BlockReason
			out.BlockedBy = entry.name
			return out
		}
		if dec.OverrideResult != nil {
			out.Proceed = false
			out.OverrideResult = dec.OverrideResult
			return out
		}
	}
	return out
}

// ExecuteAfter runs the after chain, composing result replacements and
// merging metadata from every hook.
func (h *HookRunner) ExecuteAfter(ctx context.Context, hc *HookContext) AfterOutcome {
	h.mu.RLock()
	chain := append([]afterEntry(nil), h.after...)
	h.mu.RUnlock()

	out := AfterOutcome{Metadata: make(map[string]any)}
	if hc.Result != nil {
		out.Result = *hc.Result
	}
	for _, entry := range chain {
		dec, err := h.runAfter(ctx, entry, hc)
		if err != nil {
			h.logger.Warn("after hook failed", "hook", entry.name, "tool", hc.ToolName, "error", err)
			continue
		}
		if dec.Result != nil {
			out.Result = *dec.Result
			hc.Result = dec.Result
		}
		for k, v := range dec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (h *HookRunner) runBefore(ctx context.Context, entry beforeEntry, hc *HookContext) (dec BeforeDecision, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("before hook panic", "hook", entry.name, "tool", hc.ToolName, "panic", p)
			dec, err = BeforeDecision{}, nil
		}
	}()
	return entry.fn(ctx, hc)
}

func (h *HookRunner) runAfter(ctx context.Context, entry afterEntry, hc *HookContext) (dec AfterDecision, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("after hook panic", "hook", entry.name, "tool", hc.ToolName, "panic", p)
			dec, err = AfterDecision{}, nil
		}
	}()
	return entry.fn(ctx, hc)
}

// BeforeCount returns the number of registered before hooks.
func (h *HookRunner) BeforeCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.before)
}

// AfterCount returns the number of registered after hooks.
func (h *HookRunner) AfterCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.after)
}
