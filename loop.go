package mirage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LoopState is the agent loop's position in a turn.
type LoopState string

const (
	StateIdle          LoopState = "idle"
	StateAwaitingModel LoopState = "awaiting_model"
	StateStreaming     LoopState = "streaming"
	StateAwaitingTools LoopState = "awaiting_tools"
	StateCompacting    LoopState = "compacting"
)

// defaultMaxTurns bounds the model/tool alternation within one run to
// prevent runaway loops.
const defaultMaxTurns = 25

// compressKeepRecent is how many trailing messages survive compression
// uncompressed.
const compressKeepRecent = 4

// maxToolResultMessageLen is the maximum rune length for a tool result
// stored in the session history. Results exceeding it are truncated with a
// marker so the LLM knows content was trimmed. Stream events retain the
// full content.
const maxToolResultMessageLen = 100_000

// compressSystemPrompt instructs the auxiliary summarization call.
const compressSystemPrompt = "Summarize the following conversation concisely. Preserve key facts, data values, decisions, user intentions, and errors. Omit redundant details."

// RunResult is the outcome of one completed run.
type RunResult struct {
	RunID      string
	SessionID  string
	Content    string
	Thinking   string
	StopReason StopReason
	Usage      Usage
	Turns      int
}

// Loop is the state machine that produces full assistant turns: it feeds
// session context to the provider, routes stream fragments through the
// streaming handler, dispatches tool calls, and commits results back to
// the session. One Loop serves many sessions; mutations are serialized
// per session.
type Loop struct {
	provider    Provider
	compressLLM Provider // nil = use provider
	registry    *ToolRegistry
	scheduler   *Scheduler
	bus         *Bus
	stream      *StreamHandler
	storage     SessionStorage
	tracer      Tracer
	logger      *slog.Logger

	maxTurns         int
	contextWindowMax int  // token estimate threshold; 0 disables compression
	queueBusy        bool // queue concurrent turns instead of rejecting
	maxTokens        int
	temperature      *float64

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

// sessionSlot serializes turns for one session.
type sessionSlot struct {
	ch    chan struct{} // capacity 1: holding the token means running
	state LoopState
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithCompressionProvider sets the auxiliary LLM used for context
// summarization. Default: the main provider.
func WithCompressionProvider(p Provider) LoopOption {
	return func(l *Loop) { l.compressLLM = p }
}

// WithScheduler sets the tool scheduler. A loop without one treats every
// tool_use stop as an error.
func WithScheduler(s *Scheduler) LoopOption {
	return func(l *Loop) { l.scheduler = s }
}

// WithStorage sets the session store. Sessions are persisted after every
// committed message.
func WithStorage(st SessionStorage) LoopOption {
	return func(l *Loop) { l.storage = st }
}

// WithMaxTurns bounds model/tool alternations per run. Default: 25.
func WithMaxTurns(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

// WithContextWindowMax sets the token estimate at which compression
// triggers. Zero disables compression.
func WithContextWindowMax(tokens int) LoopOption {
	return func(l *Loop) { l.contextWindowMax = tokens }
}

// WithQueueBusySessions makes a busy session queue the new turn instead of
// rejecting it with ErrSessionBusy.
func WithQueueBusySessions() LoopOption {
	return func(l *Loop) { l.queueBusy = true }
}

// WithLoopTracer sets the tracer. Nil skips spans.
func WithLoopTracer(t Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// WithLoopLogger sets the structured logger.
func WithLoopLogger(log *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = log }
}

// WithMaxResponseTokens sets the per-request max_tokens sent to providers.
func WithMaxResponseTokens(n int) LoopOption {
	return func(l *Loop) { l.maxTokens = n }
}

// WithTemperature sets the sampling temperature sent to providers.
func WithTemperature(t float64) LoopOption {
	return func(l *Loop) { l.temperature = &t }
}

// NewLoop creates an agent loop over provider, registry and bus. The
// stream handler is owned by the loop and emits onto bus.
func NewLoop(provider Provider, registry *ToolRegistry, bus *Bus, opts ...LoopOption) *Loop {
	l := &Loop{
		provider: provider,
		registry: registry,
		bus:      bus,
		stream:   NewStreamHandler(bus),
		logger:   nopLogger,
		maxTurns: defaultMaxTurns,
		slots:    make(map[string]*sessionSlot),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the loop state for a session. Sessions with no slot are
// idle.
func (l *Loop) State(sessionID string) LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot, ok := l.slots[sessionID]; ok {
		return slot.state
	}
	return StateIdle
}

func (l *Loop) slot(sessionID string) *sessionSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[sessionID]
	if !ok {
		s = &sessionSlot{ch: make(chan struct{}, 1), state: StateIdle}
		s.ch <- struct{}{}
		l.slots[sessionID] = s
	}
	return s
}

func (l *Loop) setState(slot *sessionSlot, s LoopState) {
	l.mu.Lock()
	slot.state = s
	l.mu.Unlock()
}

// Run executes one full assistant turn for userInput against session.
// A session MUST NOT accept a new user message while non-idle: concurrent
// Run calls on the same session either queue or fail with ErrSessionBusy
// per configuration. Cancel ctx to abort: the provider request stops,
// in-flight tools drain cooperatively, and agent_end carries stop reason
// cancelled.
func (l *Loop) Run(ctx context.Context, session *Session, userInput string) (*RunResult, error) {
	slot := l.slot(session.ID())
	if l.queueBusy {
		select {
		case <-slot.ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case <-slot.ch:
		default:
			return nil, fmt.Errorf("session %s: %w", session.ID(), ErrSessionBusy)
		}
	}
	defer func() {
		l.setState(slot, StateIdle)
		slot.ch <- struct{}{}
	}()

	runID := NewID()
	ctx, span := l.startSpan(ctx, "agent.run",
		StringAttr("session.id", session.ID()),
		StringAttr("run.id", runID))
	defer span.End()

	session.AddMessage(UserMessage(userInput))
	l.bus.Emit(EventMessageUser, MessageEventPayload{SessionID: session.ID(), RunID: runID, Content: userInput})
	l.persist(ctx, session)

	l.stream.AgentStart(runID, session.ID())

	opts := CallOptions{SessionID: session.ID(), RunID: runID, Cancel: ctx.Done()}
	result := &RunResult{RunID: runID, SessionID: session.ID()}

	for turn := 1; turn <= l.maxTurns; turn++ {
		result.Turns = turn
		if err := ctx.Err(); err != nil {
			return l.endCancelled(session, result)
		}

		l.setState(slot, StateAwaitingModel)
		l.maybeCompress(ctx, slot, session)

		req := l.buildRequest(session)
		l.setState(slot, StateStreaming)
		l.stream.MessageStart()

		resp, err := l.streamTurn(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return l.endCancelled(session, result)
			}
			span.Error(err)
			l.stream.Error(err, false)
			l.stream.AgentEnd(StopError)
			return nil, err
		}

		content, thinking := l.stream.MessageEnd(resp.Content, resp.StopReason, resp.Usage)
		result.Usage.Add(resp.Usage)
		result.Content = content
		result.Thinking = thinking
		result.StopReason = resp.StopReason

		meta := MessageMeta{Model: session.Model(), Usage: &resp.Usage}
		if resp.StopReason == StopMaxTokens {
			meta.Truncated = true
		}
		session.AddMessageMeta(ChatMessage{Role: RoleAssistant, Content: content, ToolCalls: resp.ToolCalls}, meta)
		l.bus.Emit(EventMessageAsst, MessageEventPayload{SessionID: session.ID(), RunID: runID, Content: content})
		l.persist(ctx, session)

		switch resp.StopReason {
		case StopToolUse:
			if l.scheduler == nil {
				err := fmt.Errorf("provider requested tools but no scheduler is configured")
				l.stream.Error(err, false)
				l.stream.AgentEnd(StopError)
				return nil, err
			}
			l.setState(slot, StateAwaitingTools)
			results := l.scheduler.Dispatch(ctx, resp.ToolCalls, opts, l.stream)
			for i, tc := range resp.ToolCalls {
				session.AddMessage(ToolResultMessage(tc.ID, truncateToolContent(results[i].Content)))
			}
			l.persist(ctx, session)
			if ctx.Err() != nil {
				return l.endCancelled(session, result)
			}
			// Next turn feeds the results back to the model.

		case StopMaxTokens:
			l.logger.Warn("response truncated by max_tokens", "session", session.ID(), "run", runID)
			l.stream.AgentEnd(StopMaxTokens)
			return result, nil

		default: // end_turn and anything unrecognized ends the run cleanly
			l.stream.AgentEnd(StopEndTurn)
			return result, nil
		}
	}

	// Turn budget exhausted: fatal agent error, session stays consistent
	// (the last assistant message and tool results are committed).
	err := fmt.Errorf("run %s: %w after %d turns", runID, ErrMaxTurns, l.maxTurns)
	span.Error(err)
	l.logger.Error("turn budget exhausted", "session", session.ID(), "run", runID, "max_turns", l.maxTurns)
	l.stream.Error(err, false)
	l.stream.AgentEnd(StopError)
	return result, err
}

// streamTurn issues one streaming provider request and routes fragments
// through the stream handler while the provider accumulates the response.
func (l *Loop) streamTurn(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, span := l.startSpan(ctx, "agent.llm",
		IntAttr("messages", len(req.Messages)),
		IntAttr("tools", len(req.Tools)))
	defer span.End()

	fragCh := make(chan Fragment, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frag := range fragCh {
			switch frag.Type {
			case FragContentBlockDelta:
				if frag.Block == BlockText && frag.Text != "" {
					l.stream.Delta(frag.Text)
				}
			case FragError:
				l.logger.Warn("stream fragment error", "error", frag.Err)
			}
		}
	}()

	resp, err := l.provider.StreamMessage(ctx, req, fragCh)
	<-done
	if err != nil {
		span.Error(err)
	}
	return resp, err
}

// buildRequest assembles the provider request from the session tree and
// the enabled tool definitions.
func (l *Loop) buildRequest(session *Session) ChatRequest {
	msgs := session.BuildContext()
	req := ChatRequest{MaxTokens: l.maxTokens, Temperature: l.temperature}
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		req.System = msgs[0].Content
		msgs = msgs[1:]
	}
	req.Messages = msgs
	if l.registry != nil {
		req.Tools = l.registry.Definitions()
	}
	return req
}

// endCancelled finishes a cancelled run. In-flight tools have already
// drained (the scheduler returns before we get here).
func (l *Loop) endCancelled(session *Session, result *RunResult) (*RunResult, error) {
	l.logger.Info("run cancelled", "session", session.ID(), "run", result.RunID)
	result.StopReason = StopCancelled
	l.stream.AgentEnd(StopCancelled)
	return result, context.Canceled
}

// --- compression ---

// maybeCompress folds the oldest context into one synthetic summary
// message when the token estimate crosses the window. Failure is
// non-fatal: warn and continue uncompressed.
func (l *Loop) maybeCompress(ctx context.Context, slot *sessionSlot, session *Session) {
	if l.contextWindowMax <= 0 {
		return
	}
	msgs := session.BuildContext()
	estimate := estimateTokens(msgs)
	if estimate < l.contextWindowMax {
		return
	}
	ratio := float64(estimate) / float64(l.contextWindowMax)

	l.setState(slot, StateCompacting)
	l.stream.CompactionStart(CompactContextOverflow, ratio)

	removed, err := l.compress(ctx, session, msgs)
	if err != nil {
		l.logger.Warn("context compression failed, continuing uncompressed",
			"session", session.ID(), "error", err)
		l.stream.CompactionEnd(CompactContextOverflow, ratio, 0)
		return
	}
	l.bus.Emit(EventSessionCompress, CompactionPayload{Reason: CompactContextOverflow, UsageRatio: ratio, Removed: removed})
	l.persist(ctx, session)

	after := estimateTokens(session.BuildContext())
	l.stream.CompactionEnd(CompactContextOverflow, float64(after)/float64(l.contextWindowMax), removed)
	l.logger.Info("context compressed",
		"session", session.ID(), "before_tokens", estimate, "after_tokens", after, "messages_removed", removed)
}

// compress summarizes the oldest prefix via the auxiliary LLM and rebuilds
// the session as [system?, summary, recent...]. Returns how many messages
// the summary replaced.
func (l *Loop) compress(ctx context.Context, session *Session, msgs []ChatMessage) (int, error) {
	ctx, span := l.startSpan(ctx, "agent.compress", IntAttr("messages", len(msgs)))
	defer span.End()

	var system string
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		system = msgs[0].Content
		msgs = msgs[1:]
	}
	if len(msgs) <= compressKeepRecent {
		return 0, nil
	}
	prefix := msgs[:len(msgs)-compressKeepRecent]
	recent := msgs[len(msgs)-compressKeepRecent:]

	var transcript strings.Builder
	for _, m := range prefix {
		fmt.Fprintf(&transcript, "%s: %s\n---\n", m.Role, m.Content)
	}

	provider := l.compressLLM
	if provider == nil {
		provider = l.provider
	}
	resp, err := provider.CreateMessage(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(compressSystemPrompt),
			UserMessage(transcript.String()),
		},
	})
	if err != nil {
		span.Error(err)
		return 0, &CompressionError{Cause: err}
	}

	replacement := make([]ChatMessage, 0, len(recent)+2)
	metas := make([]*MessageMeta, 0, len(recent)+2)
	if system != "" {
		replacement = append(replacement, SystemMessage(system))
		metas = append(metas, nil)
	}
	replacement = append(replacement, AssistantMessage("[Summary of earlier conversation]\n"+resp.Content))
	metas = append(metas, &MessageMeta{Summary: true, Usage: &resp.Usage})
	for _, m := range recent {
		replacement = append(replacement, m)
		metas = append(metas, nil)
	}
	session.ReplaceHistoryMeta(replacement, metas)
	return len(prefix), nil
}

// estimateTokens approximates token usage as runes/4, the same coarse
// heuristic the providers use for budget checks.
func estimateTokens(msgs []ChatMessage) int {
	var runes int
	for _, m := range msgs {
		runes += len([]rune(m.Content))
	}
	return runes / 4
}

// truncateToolContent bounds a tool result before it enters the session
// history so a verbose tool can't blow up every later request.
func truncateToolContent(s string) string {
	runes := []rune(s)
	if len(runes) <= maxToolResultMessageLen {
		return s
	}
	return string(runes[:maxToolResultMessageLen]) + "\n\n[output truncated, original was longer]"
}

// persist saves the session, logging rather than failing the turn when
// storage is down.
func (l *Loop) persist(ctx context.Context, session *Session) {
	if l.storage == nil {
		return
	}
	// Persistence must survive run cancellation.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.storage.Save(saveCtx, session.Document()); err != nil {
		l.logger.Error("session save failed", "session", session.ID(), "error", err)
	}
}

// startSpan is the nil-safe tracer helper.
func (l *Loop) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if l.tracer == nil {
		return ctx, nopSpan{}
	}
	return l.tracer.Start(ctx, name, attrs...)
}

type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}

// MessageEventPayload accompanies message:user and message:assistant
// events.
type MessageEventPayload struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Content   string `json:"content"`
}
