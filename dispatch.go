package mirage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxParallelDispatch caps the number of concurrent tool goroutines to
// avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// defaultToolTimeout bounds a tool execution when the tool declares none.
const defaultToolTimeout = 60 * time.Second

// Scheduler routes a batch of tool calls through classification, hooks,
// approval, validation and execution, running parallelizable calls
// concurrently and the rest in strict order. Safe for concurrent use.
type Scheduler struct {
	registry   *ToolRegistry
	classifier *Classifier
	approvals  *ApprovalManager
	hooks      *HookRunner
	lanes      *LaneManager
	bus        *Bus
	tracer     Tracer
	logger     *slog.Logger
	timeout    time.Duration

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClassifier sets the risk classifier. Every call is
// classified, even ones whose approval is bypassed, so the decision is
// always logged.
func WithSchedulerClassifier(c *Classifier) SchedulerOption {
	return func(s *Scheduler) { s.classifier = c }
}

// WithSchedulerApprovals sets the approval gate. Nil means no gating.
func WithSchedulerApprovals(m *ApprovalManager) SchedulerOption {
	return func(s *Scheduler) { s.approvals = m }
}

// WithSchedulerHooks sets the before/after hook chains.
func WithSchedulerHooks(h *HookRunner) SchedulerOption {
	return func(s *Scheduler) { s.hooks = h }
}

// WithSchedulerLanes sets the lane manager. Serial calls whose tool
// nominates a LaneID run through the named lane so their ordering spans
// turns and sessions.
func WithSchedulerLanes(lm *LaneManager) SchedulerOption {
	return func(s *Scheduler) { s.lanes = lm }
}

// WithSchedulerBus sets the bus receiving tool:before/after/error events.
func WithSchedulerBus(b *Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = b }
}

// WithSchedulerTracer sets the tracer. Nil skips spans.
func WithSchedulerTracer(t Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithToolTimeout sets the default per-tool timeout. Default: 60s.
func WithToolTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler creates a scheduler over the given registry.
func NewScheduler(registry *ToolRegistry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry: registry,
		timeout:  defaultToolTimeout,
		logger:   nopLogger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch executes a batch of tool calls for one turn. Parallelizable
// calls overlap in a bounded worker pool; the rest run sequentially in
// original order (through their named lane when the tool nominates one).
// Results come back in the original batch order. stream may be nil.
func (s *Scheduler) Dispatch(ctx context.Context, calls []ToolCall, opts CallOptions, stream *StreamHandler) []ToolResult {
	results := make([]ToolResult, len(calls))

	var parallel, serial []int
	for i, tc := range calls {
		def, ok := s.definition(tc.Name)
		if ok && def.IsParallelizable() {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}

	// Parallel subset first: bounded worker pool, indexed collection.
	if len(parallel) == 1 {
		i := parallel[0]
		results[i] = s.executeCall(ctx, calls[i], opts, stream)
	} else if len(parallel) > 1 {
		workCh := make(chan int, len(parallel))
		for _, i := range parallel {
			workCh <- i
		}
		close(workCh)

		var wg sync.WaitGroup
		workers := min(len(parallel), maxParallelDispatch)
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func() {
				defer wg.Done()
				for i := range workCh {
					if ctx.Err() != nil {
						results[i] = FailedResult(calls[i].Name, NewToolError(ToolExecution, "cancelled: %v", ctx.Err()))
						continue
					}
					results[i] = s.executeCall(ctx, calls[i], opts, stream)
				}
			}()
		}
		wg.Wait()
	}

	// Serial subset in original order.
	for _, i := range serial {
		if ctx.Err() != nil {
			results[i] = FailedResult(calls[i].Name, NewToolError(ToolExecution, "cancelled: %v", ctx.Err()))
			continue
		}
		results[i] = s.executeSerial(ctx, calls[i], opts, stream)
	}

	return results
}

// executeSerial routes a serial call through its nominated lane when one
// exists; otherwise it runs inline.
func (s *Scheduler) executeSerial(ctx context.Context, tc ToolCall, opts CallOptions, stream *StreamHandler) ToolResult {
	def, ok := s.definition(tc.Name)
	if !ok || def.LaneID == "" || s.lanes == nil {
		return s.executeCall(ctx, tc, opts, stream)
	}

	future, err := s.lanes.Enqueue(def.LaneID, ctx, Task{
		Name:    tc.Name,
		Timeout: laneTimeout(def, s.timeout),
		Execute: func(taskCtx context.Context) (any, error) {
			return s.executeCall(taskCtx, tc, opts, stream), nil
		},
	})
	if err != nil {
		return FailedResult(tc.Name, NewToolError(ToolExecution, "lane %s: %v", def.LaneID, err))
	}
	select {
	case res := <-future:
		if res.Err != nil {
			return FailedResult(tc.Name, toToolError(tc.Name, res.Err))
		}
		return res.Value.(ToolResult)
	case <-ctx.Done():
		return FailedResult(tc.Name, NewToolError(ToolExecution, "cancelled: %v", ctx.Err()))
	}
}

// laneTimeout gives lane tasks headroom over the tool's own timeout so
// the tool-level timeout fires first and produces the richer error.
func laneTimeout(def ToolDefinition, fallback time.Duration) time.Duration {
	t := def.Timeout
	if t <= 0 {
		t = fallback
	}
	return t + 5*time.Second
}

// executeCall runs the full per-call pipeline.
func (s *Scheduler) executeCall(ctx context.Context, tc ToolCall, opts CallOptions, stream *StreamHandler) ToolResult {
	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "tool."+tc.Name,
			SpanAttr{Key: "tool.name", Value: tc.Name})
		defer span.End()
	}

	tool, ok := s.registry.Get(tc.Name)
	if !ok {
		return s.fail(tc, opts, NewToolError(ToolNotFound, "tool %q not registered or disabled", tc.Name))
	}
	def := tool.Definition()

	// Classification always happens, even when approval is bypassed, so
	// the risk decision is observable in logs and the audit trail.
	var cls Classification
	if s.classifier != nil {
		cls = s.classifier.Classify(def, tc.Args)
	}

	args := tc.Args
	hc := &HookContext{ToolName: tc.Name, Args: args, SessionID: opts.SessionID, RunID: opts.RunID}
	if s.hooks != nil {
		before := s.hooks.ExecuteBefore(ctx, hc)
		if !before.Proceed {
			if before.OverrideResult != nil {
				// Short-circuited calls still produce a start/end event pair.
				if s.bus != nil {
					s.bus.Emit(EventToolBefore, ToolEventPayload{Tool: tc.Name, CallID: tc.ID, SessionID: opts.SessionID})
				}
				if stream != nil {
					stream.ToolStart(tc.ID, tc.Name)
				}
				result := *before.OverrideResult
				result.ToolName = tc.Name
				return s.finish(ctx, tc, def, opts, result, hc, stream, 0)
			}
			return s.fail(tc, opts, NewToolError(ToolPermissionDenied, "blocked by hook %s: %s", before.BlockedBy, before.BlockReason))
		}
		if before.Args != nil {
			args = before.Args
		}
	}

	if cls.RequiresApproval && s.approvals != nil {
		resp := s.approvals.Request(ctx, opts.SessionID, opts.RunID, tc.Name, args, cls)
		if !resp.Approved {
			code := ToolApprovalDenied
			if resp.Reason == ReasonApprovalTimeout {
				code = ToolApprovalTimeout
			}
			return s.fail(tc, opts, NewToolError(code, "tool %q denied: %s", tc.Name, resp.Reason))
		}
	}

	if terr := s.validateArgs(def, args); terr != nil {
		return s.fail(tc, opts, terr)
	}

	normalized, terr := normalizePathArgs(args)
	if terr != nil {
		return s.fail(tc, opts, terr)
	}
	args = normalized

	if s.bus != nil {
		s.bus.Emit(EventToolBefore, ToolEventPayload{Tool: tc.Name, CallID: tc.ID, SessionID: opts.SessionID})
	}
	if stream != nil {
		stream.ToolStart(tc.ID, tc.Name)
	}

	start := time.Now()
	result := s.executeWithTimeout(ctx, tool, def, args, opts)
	result.ToolName = tc.Name
	result.Duration = time.Since(start)
	result.At = NowUnix()

	return s.finish(ctx, tc, def, opts, result, hc, stream, result.Duration)
}

// finish runs after hooks and emits completion events.
func (s *Scheduler) finish(ctx context.Context, tc ToolCall, def ToolDefinition, opts CallOptions, result ToolResult, hc *HookContext, stream *StreamHandler, dur time.Duration) ToolResult {
	if s.hooks != nil {
		hc.Result = &result
		hc.IsError = !result.Success()
		hc.Duration = dur
		after := s.hooks.ExecuteAfter(ctx, hc)
		result = after.Result
	}

	if s.bus != nil {
		if result.Success() {
			s.bus.Emit(EventToolAfter, ToolEventPayload{Tool: tc.Name, CallID: tc.ID, SessionID: opts.SessionID, DurationMs: dur.Milliseconds()})
		} else {
			s.bus.Emit(EventToolError, ToolEventPayload{Tool: tc.Name, CallID: tc.ID, SessionID: opts.SessionID, DurationMs: dur.Milliseconds(), Error: result.Error.Message})
		}
	}
	if stream != nil {
		stream.ToolEnd(tc.ID, result)
	}
	return result
}

// fail emits failure events and returns a synthetic failure result so the
// LLM observes the refusal.
func (s *Scheduler) fail(tc ToolCall, opts CallOptions, terr *ToolError) ToolResult {
	s.logger.Warn("tool call failed", "tool", tc.Name, "code", string(terr.Code), "error", terr.Message)
	if s.bus != nil {
		s.bus.Emit(EventToolError, ToolEventPayload{Tool: tc.Name, CallID: tc.ID, SessionID: opts.SessionID, Error: terr.Message})
	}
	return FailedResult(tc.Name, terr)
}

// executeWithTimeout races the tool against its timeout, recovering
// panics into error results.
func (s *Scheduler) executeWithTimeout(ctx context.Context, tool Tool, def ToolDefinition, args json.RawMessage, opts CallOptions) ToolResult {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result ToolResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: NewToolError(ToolExecution, "tool %q panic: %v", def.Name, p)}
			}
		}()
		res, err := tool.Execute(execCtx, args, opts)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return FailedResult(def.Name, toToolError(def.Name, out.err))
		}
		return out.result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return FailedResult(def.Name, NewToolError(ToolExecution, "cancelled: %v", ctx.Err()))
		}
		return FailedResult(def.Name, NewToolError(ToolTimeout, "tool %q exceeded %s", def.Name, timeout))
	}
}

// ToolEventPayload accompanies tool:before/after/error bus events.
type ToolEventPayload struct {
	Tool       string `json:"tool"`
	CallID     string `json:"call_id"`
	SessionID  string `json:"session_id,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// --- parameter validation ---

// validateArgs checks args against the tool's derived JSON Schema plus an
// explicit required-parameter pass for precise error codes.
func (s *Scheduler) validateArgs(def ToolDefinition, args json.RawMessage) *ToolError {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(args, &decoded); err != nil {
		return NewToolError(ToolInvalidParameter, "arguments are not a JSON object: %v", err)
	}
	for _, p := range def.Params {
		if p.Required {
			if _, ok := decoded[p.Name]; !ok {
				return NewToolError(ToolMissingParameter, "missing required parameter %q", p.Name)
			}
		}
	}

	sch, err := s.compiledSchema(def)
	if err != nil {
		s.logger.Warn("schema compile failed, skipping validation", "tool", def.Name, "error", err)
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return NewToolError(ToolInvalidParameter, "invalid argument JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return NewToolError(ToolInvalidParameter, "schema validation failed: %v", err)
	}
	return nil
}

// compiledSchema compiles and caches the tool's input schema.
func (s *Scheduler) compiledSchema(def ToolDefinition) (*jsonschema.Schema, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if sch, ok := s.schemas[def.Name]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.Schema()))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mirage://tools/" + def.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	s.schemas[def.Name] = sch
	return sch, nil
}

// --- path normalization ---

// pathParamKey reports whether a parameter name looks path-like.
func pathParamKey(key string) bool {
	k := strings.ToLower(key)
	return k == "path" || k == "file" || k == "dir" || k == "directory" ||
		strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_file") || strings.HasSuffix(k, "_dir")
}

// normalizePathArgs cleans path-like string parameters and rejects
// traversal outside the given root.
func normalizePathArgs(args json.RawMessage) (json.RawMessage, *ToolError) {
	if len(args) == 0 {
		return args, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return args, nil
	}

	changed := false
	for key, val := range decoded {
		str, ok := val.(string)
		if !ok || !pathParamKey(key) {
			continue
		}
		cleaned := filepath.Clean(str)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "..\\") {
			return args, NewToolError(ToolSecurityViolation, "parameter %q escapes its root: %s", key, str)
		}
		if cleaned != str {
			decoded[key] = cleaned
			changed = true
		}
	}
	if !changed {
		return args, nil
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return args, nil
	}
	return out, nil
}

// definition looks up a tool's definition without executing it.
func (s *Scheduler) definition(name string) (ToolDefinition, bool) {
	tool, ok := s.registry.Get(name)
	if !ok {
		return ToolDefinition{}, false
	}
	return tool.Definition(), true
}

// toToolError coerces an arbitrary execution error into a *ToolError.
func toToolError(name string, err error) *ToolError {
	var terr *ToolError
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, ErrTaskTimeout) {
		return NewToolError(ToolTimeout, "tool %q timed out", name)
	}
	return NewToolError(ToolExecution, "%v", err)
}
