package mirage

import (
	"log/slog"
	"sync"
	"time"
)

// Streaming event types. Events for one runId are totally ordered; events
// across runs interleave arbitrarily.
const (
	EventAgentStart      EventType = "agent_start"
	EventAgentEnd        EventType = "agent_end"
	EventMessageStart    EventType = "message_start"
	EventMessageUpdate   EventType = "message_update"
	EventMessageEnd      EventType = "message_end"
	EventToolExecStart   EventType = "tool_execution_start"
	EventToolExecUpdate  EventType = "tool_execution_update"
	EventToolExecEnd     EventType = "tool_execution_end"
	EventCompactionStart EventType = "auto_compaction_start"
	EventCompactionEnd   EventType = "auto_compaction_end"
	EventError           EventType = "error"
)

// CompactionReason explains why a compaction cycle ran.
type CompactionReason string

const (
	CompactContextOverflow  CompactionReason = "context_overflow"
	CompactThresholdReached CompactionReason = "threshold_reached"
	CompactManual           CompactionReason = "manual"
)

// --- Streaming event payloads ---

type AgentStartPayload struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

type AgentEndPayload struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

type MessageStartPayload struct {
	RunID     string `json:"run_id"`
	MessageID string `json:"message_id"`
}

type MessageUpdatePayload struct {
	RunID       string `json:"run_id"`
	MessageID   string `json:"message_id"`
	Delta       string `json:"delta"`
	Accumulated string `json:"accumulated"`
}

type MessageEndPayload struct {
	RunID      string     `json:"run_id"`
	MessageID  string     `json:"message_id"`
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

type ToolExecPayload struct {
	RunID      string        `json:"run_id"`
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
	Progress   string        `json:"progress,omitempty"` // update only
	Result     *ToolResult   `json:"result,omitempty"`   // end only
	Duration   time.Duration `json:"duration,omitempty"` // end only
}

type CompactionPayload struct {
	RunID      string           `json:"run_id"`
	Reason     CompactionReason `json:"reason"`
	UsageRatio float64          `json:"usage_ratio"` // estimated tokens / window max
	Removed    int              `json:"removed,omitempty"`
}

type ErrorPayload struct {
	RunID       string `json:"run_id"`
	Err         error  `json:"-"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// --- Streaming handler ---

// Streaming cadence defaults: short delta bursts are coalesced until the
// flush interval elapses or the pending text crosses the hard threshold.
const (
	defaultFlushInterval  = 100 * time.Millisecond
	defaultFlushThreshold = 50
)

type toolMeta struct {
	name      string
	startedAt time.Time
}

// StreamHandler assembles raw provider fragments into ordered bus events
// for one run at a time. It owns a DeltaBuffer and the per-tool-call
// timing metadata. Safe for concurrent use, though a single run drives it
// from one goroutine in practice (the flush timer is the second writer).
type StreamHandler struct {
	bus    *Bus
	logger *slog.Logger

	flushInterval  time.Duration
	flushThreshold int

	mu           sync.Mutex
	delta        *DeltaBuffer
	pending      string // deltas not yet emitted
	flushTimer   *time.Timer
	runID        string
	sessionID    string
	messageID    string
	toolMetaByID map[string]toolMeta
	assistantTxt []string
	totalUsage   Usage
}

// StreamHandlerOption configures a StreamHandler.
type StreamHandlerOption func(*StreamHandler)

// WithFlushInterval sets the delta coalescing interval. Default: 100ms.
func WithFlushInterval(d time.Duration) StreamHandlerOption {
	return func(h *StreamHandler) { h.flushInterval = d }
}

// WithFlushThreshold sets the pending-byte count that forces an immediate
// message_update. Default: 50.
func WithFlushThreshold(n int) StreamHandlerOption {
	return func(h *StreamHandler) { h.flushThreshold = n }
}

// WithStreamLogger sets the structured logger.
func WithStreamLogger(l *slog.Logger) StreamHandlerOption {
	return func(h *StreamHandler) { h.logger = l }
}

// NewStreamHandler creates a handler emitting to bus.
func NewStreamHandler(bus *Bus, opts ...StreamHandlerOption) *StreamHandler {
	h := &StreamHandler{
		bus:            bus,
		logger:         nopLogger,
		flushInterval:  defaultFlushInterval,
		flushThreshold: defaultFlushThreshold,
		delta:          NewDeltaBuffer(),
		toolMetaByID:   make(map[string]toolMeta),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AgentStart resets run state and emits agent_start.
func (h *StreamHandler) AgentStart(runID, sessionID string) {
	h.mu.Lock()
	h.runID = runID
	h.sessionID = sessionID
	h.messageID = ""
	h.pending = ""
	h.delta.Reset()
	h.toolMetaByID = make(map[string]toolMeta)
	h.assistantTxt = nil
	h.totalUsage = Usage{}
	h.stopFlushTimerLocked()
	h.mu.Unlock()

	h.bus.Emit(EventAgentStart, AgentStartPayload{RunID: runID, SessionID: sessionID})
}

// AgentEnd emits agent_end with the run's accumulated usage.
func (h *StreamHandler) AgentEnd(stop StopReason) {
	h.mu.Lock()
	h.stopFlushTimerLocked()
	payload := AgentEndPayload{RunID: h.runID, SessionID: h.sessionID, StopReason: stop, Usage: h.totalUsage}
	h.mu.Unlock()

	h.bus.Emit(EventAgentEnd, payload)
}

// MessageStart allocates a message id, clears the delta buffer, and emits
// message_start. Returns the new message id.
func (h *StreamHandler) MessageStart() string {
	h.mu.Lock()
	h.messageID = NewID()
	h.pending = ""
	h.delta.Reset()
	id := h.messageID
	payload := MessageStartPayload{RunID: h.runID, MessageID: id}
	h.mu.Unlock()

	h.bus.Emit(EventMessageStart, payload)
	return id
}

// Delta appends streamed text. Short bursts are coalesced: an update is
// emitted when the pending text crosses the threshold, otherwise when the
// flush interval elapses.
func (h *StreamHandler) Delta(text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	h.delta.Append(text)
	h.pending += text
	if len(h.pending) >= h.flushThreshold {
		payload := h.takePendingLocked()
		h.mu.Unlock()
		h.bus.Emit(EventMessageUpdate, payload)
		return
	}
	if h.flushTimer == nil {
		h.flushTimer = time.AfterFunc(h.flushInterval, h.flushPending)
	}
	h.mu.Unlock()
}

// flushPending is the timer callback emitting coalesced deltas.
func (h *StreamHandler) flushPending() {
	h.mu.Lock()
	h.flushTimer = nil
	if h.pending == "" {
		h.mu.Unlock()
		return
	}
	payload := h.takePendingLocked()
	h.mu.Unlock()
	h.bus.Emit(EventMessageUpdate, payload)
}

// takePendingLocked drains the pending delta into an update payload and
// stops any scheduled flush. Caller holds h.mu.
func (h *StreamHandler) takePendingLocked() MessageUpdatePayload {
	payload := MessageUpdatePayload{
		RunID:       h.runID,
		MessageID:   h.messageID,
		Delta:       h.pending,
		Accumulated: h.delta.Content(),
	}
	h.pending = ""
	h.stopFlushTimerLocked()
	return payload
}

func (h *StreamHandler) stopFlushTimerLocked() {
	if h.flushTimer != nil {
		h.flushTimer.Stop()
		h.flushTimer = nil
	}
}

// MessageEnd reconciles the buffer with the provider's final content,
// extracts thinking, and emits message_end. Returns the visible content
// and the extracted thinking text.
func (h *StreamHandler) MessageEnd(full string, stop StopReason, usage Usage) (content, thinking string) {
	h.mu.Lock()
	// Flush any coalesced deltas first so updates stay ordered before end.
	var updates []MessageUpdatePayload
	if h.pending != "" {
		updates = append(updates, h.takePendingLocked())
	}
	if full != "" {
		if tail := h.delta.AppendDedup(full); tail != "" {
			updates = append(updates, MessageUpdatePayload{
				RunID:       h.runID,
				MessageID:   h.messageID,
				Delta:       tail,
				Accumulated: h.delta.Content(),
			})
		}
	}
	res := h.delta.ExtractThinking()
	if !res.IsComplete {
		h.logger.Warn("unterminated thinking block at message end", "run", h.runID)
	}
	content, thinking = res.Content, res.Thinking
	h.assistantTxt = append(h.assistantTxt, content)
	h.totalUsage.Add(usage)
	payload := MessageEndPayload{
		RunID:      h.runID,
		MessageID:  h.messageID,
		Content:    content,
		Thinking:   thinking,
		StopReason: stop,
		Usage:      usage,
	}
	h.stopFlushTimerLocked()
	h.mu.Unlock()

	for _, u := range updates {
		h.bus.Emit(EventMessageUpdate, u)
	}
	h.bus.Emit(EventMessageEnd, payload)
	return content, thinking
}

// ToolStart records the start time for a tool call and emits
// tool_execution_start.
func (h *StreamHandler) ToolStart(callID, name string) {
	h.mu.Lock()
	h.toolMetaByID[callID] = toolMeta{name: name, startedAt: time.Now()}
	payload := ToolExecPayload{RunID: h.runID, ToolCallID: callID, ToolName: name}
	h.mu.Unlock()

	h.bus.Emit(EventToolExecStart, payload)
}

// ToolUpdate emits incremental tool progress.
func (h *StreamHandler) ToolUpdate(callID, progress string) {
	h.mu.Lock()
	meta := h.toolMetaByID[callID]
	payload := ToolExecPayload{RunID: h.runID, ToolCallID: callID, ToolName: meta.name, Progress: progress}
	h.mu.Unlock()

	h.bus.Emit(EventToolExecUpdate, payload)
}

// ToolEnd emits tool_execution_end with duration computed from the
// recorded start time.
func (h *StreamHandler) ToolEnd(callID string, result ToolResult) {
	h.mu.Lock()
	meta, ok := h.toolMetaByID[callID]
	var dur time.Duration
	if ok {
		dur = time.Since(meta.startedAt)
		delete(h.toolMetaByID, callID)
	}
	payload := ToolExecPayload{RunID: h.runID, ToolCallID: callID, ToolName: meta.name, Result: &result, Duration: dur}
	h.mu.Unlock()

	h.bus.Emit(EventToolExecEnd, payload)
}

// CompactionStart emits auto_compaction_start.
func (h *StreamHandler) CompactionStart(reason CompactionReason, usageRatio float64) {
	h.mu.Lock()
	payload := CompactionPayload{RunID: h.runID, Reason: reason, UsageRatio: usageRatio}
	h.mu.Unlock()
	h.bus.Emit(EventCompactionStart, payload)
}

// CompactionEnd emits auto_compaction_end with the number of messages
// folded into the summary.
func (h *StreamHandler) CompactionEnd(reason CompactionReason, usageRatio float64, removed int) {
	h.mu.Lock()
	payload := CompactionPayload{RunID: h.runID, Reason: reason, UsageRatio: usageRatio, Removed: removed}
	h.mu.Unlock()
	h.bus.Emit(EventCompactionEnd, payload)
}

// Error emits an error event for the current run.
func (h *StreamHandler) Error(err error, recoverable bool) {
	h.mu.Lock()
	payload := ErrorPayload{RunID: h.runID, Err: err, Message: err.Error(), Recoverable: recoverable}
	h.mu.Unlock()
	h.bus.Emit(EventError, payload)
}

// AssistantTexts returns the visible assistant text of each completed
// message in this run, in order.
func (h *StreamHandler) AssistantTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.assistantTxt...)
}

// RunID returns the current run id.
func (h *StreamHandler) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}
