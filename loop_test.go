package mirage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedProvider replays a fixed sequence of responses, streaming each
// content as a single text fragment. The last response is sticky so a
// script shorter than the run keeps answering.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []ChatResponse
	calls int

	gate    chan struct{} // non-nil: each stream call waits for a token
	started chan struct{} // non-nil: receives a token when a stream call begins
}

func (p *scriptedProvider) next() ChatResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.turns) == 0 {
		return ChatResponse{Content: "done", StopReason: StopEndTurn}
	}
	resp := p.turns[0]
	if len(p.turns) > 1 {
		p.turns = p.turns[1:]
	}
	return resp
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) CreateMessage(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(), nil
}

func (p *scriptedProvider) StreamMessage(ctx context.Context, req ChatRequest, ch chan<- Fragment) (ChatResponse, error) {
	defer close(ch)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	resp := p.next()
	if resp.Content != "" {
		ch <- Fragment{Type: FragContentBlockDelta, Block: BlockText, Text: resp.Content}
	}
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

var _ Provider = (*scriptedProvider)(nil)

func TestLoopSingleTurn(t *testing.T) {
	p := &scriptedProvider{turns: []ChatResponse{
		{Content: "hello back", StopReason: StopEndTurn, Usage: Usage{InputTokens: 7, OutputTokens: 3}},
	}}
	bus := NewBus()
	rec := newBusRecorder(bus)
	loop := NewLoop(p, NewToolRegistry(), bus)
	s := NewSession("s1")

	res, err := loop.Run(context.Background(), s, "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID == "" || res.SessionID != "s1" {
		t.Errorf("result ids = %+v", res)
	}
	if res.Content != "hello back" || res.StopReason != StopEndTurn || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.InputTokens != 7 || res.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", res.Usage)
	}

	if s.Len() != 2 {
		t.Errorf("session length = %d, want user + assistant", s.Len())
	}
	msgs := s.BuildContext()
	if msgs[len(msgs)-1].Role != RoleAssistant || msgs[len(msgs)-1].Content != "hello back" {
		t.Errorf("last message = %+v", msgs[len(msgs)-1])
	}

	if n := len(rec.ofType(EventAgentStart)); n != 1 {
		t.Errorf("agent_start events = %d", n)
	}
	ends := rec.ofType(EventAgentEnd)
	if len(ends) != 1 || ends[0].Payload.(AgentEndPayload).StopReason != StopEndTurn {
		t.Errorf("agent_end = %+v", ends)
	}
	users := rec.ofType(EventMessageUser)
	if len(users) != 1 || users[0].Payload.(MessageEventPayload).Content != "hello" {
		t.Errorf("user events = %+v", users)
	}
	assts := rec.ofType(EventMessageAsst)
	if len(assts) != 1 || assts[0].Payload.(MessageEventPayload).Content != "hello back" {
		t.Errorf("assistant events = %+v", assts)
	}
}

func TestLoopToolCallTurn(t *testing.T) {
	p := &scriptedProvider{turns: []ChatResponse{
		{
			Content:    "let me check",
			StopReason: StopToolUse,
			ToolCalls:  []ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"weather"}`)}},
			Usage:      Usage{InputTokens: 10, OutputTokens: 5},
		},
		{Content: "it is sunny", StopReason: StopEndTurn, Usage: Usage{InputTokens: 20, OutputTokens: 7}},
	}}
	bus := NewBus()
	reg := NewToolRegistry()
	var gotArgs json.RawMessage
	reg.Register(&staticTool{
		def: ToolDefinition{Name: "lookup", Category: "read"},
		fn: func(_ context.Context, args json.RawMessage, _ CallOptions) (ToolResult, error) {
			gotArgs = args
			return ToolResult{Content: "72F and clear", ToolName: "lookup"}, nil
		},
	})
	loop := NewLoop(p, reg, bus, WithScheduler(NewScheduler(reg)))
	s := NewSession("s1")

	res, err := loop.Run(context.Background(), s, "what's the weather?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 2 || res.Content != "it is sunny" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.InputTokens != 30 || res.Usage.OutputTokens != 12 {
		t.Errorf("usage = %+v, want accumulated across turns", res.Usage)
	}
	if string(gotArgs) != `{"q":"weather"}` {
		t.Errorf("tool args = %s", gotArgs)
	}

	// The tool result is committed to the session between turns.
	found := false
	for _, m := range s.BuildContext() {
		if m.ToolCallID == "c1" && m.Content == "72F and clear" {
			found = true
		}
	}
	if !found {
		t.Errorf("tool result message missing from context: %+v", s.BuildContext())
	}
}

func TestLoopToolUseWithoutScheduler(t *testing.T) {
	p := &scriptedProvider{turns: []ChatResponse{
		{StopReason: StopToolUse, ToolCalls: []ToolCall{{ID: "c1", Name: "lookup"}}},
	}}
	loop := NewLoop(p, NewToolRegistry(), NewBus())

	_, err := loop.Run(context.Background(), NewSession("s1"), "go")
	if err == nil || !strings.Contains(err.Error(), "scheduler") {
		t.Errorf("err = %v, want scheduler configuration error", err)
	}
}

func TestLoopMaxTurns(t *testing.T) {
	// A provider that always wants another tool round.
	p := &scriptedProvider{turns: []ChatResponse{
		{StopReason: StopToolUse, ToolCalls: []ToolCall{{ID: "c1", Name: "noop", Args: json.RawMessage(`{}`)}}},
	}}
	reg := NewToolRegistry()
	reg.Register(&staticTool{
		def:    ToolDefinition{Name: "noop", Category: "read"},
		result: ToolResult{Content: "ok"},
	})
	loop := NewLoop(p, reg, NewBus(), WithScheduler(NewScheduler(reg)), WithMaxTurns(3))

	res, err := loop.Run(context.Background(), NewSession("s1"), "loop forever")
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	if res == nil || res.Turns != 3 {
		t.Errorf("result = %+v, want 3 turns", res)
	}
	if p.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.callCount())
	}
}

func TestLoopSessionBusy(t *testing.T) {
	p := &scriptedProvider{
		turns:   []ChatResponse{{Content: "ok", StopReason: StopEndTurn}},
		gate:    make(chan struct{}, 1),
		started: make(chan struct{}, 1),
	}
	loop := NewLoop(p, NewToolRegistry(), NewBus())
	s := NewSession("busy")

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), s, "first")
		done <- err
	}()
	<-p.started

	if _, err := loop.Run(context.Background(), s, "second"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}
	if st := loop.State("busy"); st == StateIdle {
		t.Errorf("state = %s while a run is in flight", st)
	}

	p.gate <- struct{}{}
	if err := <-done; err != nil {
		t.Errorf("first run failed: %v", err)
	}
	if st := loop.State("busy"); st != StateIdle {
		t.Errorf("state = %s after run, want idle", st)
	}
}

func TestLoopQueueBusySessions(t *testing.T) {
	p := &scriptedProvider{
		turns:   []ChatResponse{{Content: "ok", StopReason: StopEndTurn}},
		gate:    make(chan struct{}, 2),
		started: make(chan struct{}, 2),
	}
	loop := NewLoop(p, NewToolRegistry(), NewBus(), WithQueueBusySessions())
	s := NewSession("busy")

	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() {
		_, err := loop.Run(context.Background(), s, "first")
		first <- err
	}()
	<-p.started
	go func() {
		_, err := loop.Run(context.Background(), s, "second")
		second <- err
	}()

	// The second run queues instead of failing.
	select {
	case err := <-second:
		t.Fatalf("second run returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	p.gate <- struct{}{}
	p.gate <- struct{}{}
	if err := <-first; err != nil {
		t.Errorf("first run: %v", err)
	}
	if err := <-second; err != nil {
		t.Errorf("second run: %v", err)
	}
	if s.Len() != 4 {
		t.Errorf("session length = %d, want both turns committed", s.Len())
	}
}

func TestLoopCancellation(t *testing.T) {
	p := &scriptedProvider{
		gate:    make(chan struct{}), // never fed: the stream hangs until cancel
		started: make(chan struct{}, 1),
	}
	bus := NewBus()
	rec := newBusRecorder(bus)
	loop := NewLoop(p, NewToolRegistry(), bus)
	s := NewSession("s1")

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := loop.Run(ctx, s, "hang")
		done <- outcome{res, err}
	}()
	<-p.started
	cancel()

	out := <-done
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", out.err)
	}
	if out.res == nil || out.res.StopReason != StopCancelled {
		t.Errorf("result = %+v, want cancelled stop reason", out.res)
	}
	ends := rec.ofType(EventAgentEnd)
	if len(ends) != 1 || ends[0].Payload.(AgentEndPayload).StopReason != StopCancelled {
		t.Errorf("agent_end = %+v", ends)
	}
}

func TestLoopPersistsToStorage(t *testing.T) {
	p := &scriptedProvider{turns: []ChatResponse{
		{Content: "saved reply", StopReason: StopEndTurn},
	}}
	store := NewMemoryStorage()
	loop := NewLoop(p, NewToolRegistry(), NewBus(), WithStorage(store))
	s := NewSession("persist-me")

	if _, err := loop.Run(context.Background(), s, "remember this"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc, err := store.Load(context.Background(), "persist-me")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored, err := SessionFromDocument(doc)
	if err != nil {
		t.Fatalf("SessionFromDocument: %v", err)
	}
	if restored.Len() != 2 {
		t.Errorf("restored length = %d, want 2", restored.Len())
	}
	msgs := restored.BuildContext()
	if msgs[len(msgs)-1].Content != "saved reply" {
		t.Errorf("restored context = %+v", msgs)
	}
}

func TestLoopCompression(t *testing.T) {
	main := &scriptedProvider{turns: []ChatResponse{
		{Content: "ok", StopReason: StopEndTurn},
	}}
	aux := &scriptedProvider{turns: []ChatResponse{
		{Content: "condensed history", StopReason: StopEndTurn},
	}}
	bus := NewBus()
	rec := newBusRecorder(bus)
	loop := NewLoop(main, NewToolRegistry(), bus,
		WithCompressionProvider(aux),
		WithContextWindowMax(10))

	s := NewSession("s1")
	for i := 0; i < 3; i++ {
		s.AddMessage(UserMessage(strings.Repeat("question ", 5)))
		s.AddMessage(AssistantMessage(strings.Repeat("answer ", 5)))
	}

	if _, err := loop.Run(context.Background(), s, "and now?"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if aux.callCount() != 1 {
		t.Fatalf("compression provider calls = %d, want 1", aux.callCount())
	}

	summarized := false
	for _, m := range s.BuildContext() {
		if m.Role == RoleAssistant && strings.Contains(m.Content, "[Summary of earlier conversation]") &&
			strings.Contains(m.Content, "condensed history") {
			summarized = true
		}
	}
	if !summarized {
		t.Errorf("summary message missing: %+v", s.BuildContext())
	}

	compressed := rec.ofType(EventSessionCompress)
	if len(compressed) != 1 {
		t.Fatalf("session:compress events = %d, want 1", len(compressed))
	}
	cp := compressed[0].Payload.(CompactionPayload)
	if cp.Removed != 3 {
		t.Errorf("removed = %d, want 3", cp.Removed)
	}
	starts := rec.ofType(EventCompactionStart)
	ends := rec.ofType(EventCompactionEnd)
	if len(starts) != 1 || len(ends) != 1 {
		t.Errorf("compaction stream events = %d starts, %d ends", len(starts), len(ends))
	}
}

func TestLoopCompressionFailureIsNonFatal(t *testing.T) {
	main := &scriptedProvider{turns: []ChatResponse{
		{Content: "still fine", StopReason: StopEndTurn},
	}}
	loop := NewLoop(main, NewToolRegistry(), NewBus(),
		WithCompressionProvider(&failingProvider{}),
		WithContextWindowMax(10))

	s := NewSession("s1")
	for i := 0; i < 3; i++ {
		s.AddMessage(UserMessage(strings.Repeat("question ", 5)))
		s.AddMessage(AssistantMessage(strings.Repeat("answer ", 5)))
	}
	before := s.Len()

	res, err := loop.Run(context.Background(), s, "and now?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "still fine" {
		t.Errorf("result = %+v", res)
	}
	// History is untouched apart from the new turn.
	if s.Len() != before+2 {
		t.Errorf("session length = %d, want %d", s.Len(), before+2)
	}
}

// failingProvider errors on every call.
type failingProvider struct{}

func (failingProvider) CreateMessage(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, &ProviderError{Kind: ProviderTransport, Provider: "failing", Message: "down"}
}

func (failingProvider) StreamMessage(_ context.Context, _ ChatRequest, ch chan<- Fragment) (ChatResponse, error) {
	close(ch)
	return ChatResponse{}, &ProviderError{Kind: ProviderTransport, Provider: "failing", Message: "down"}
}

func (failingProvider) Name() string { return "failing" }

func TestLoopProviderErrorEndsRun(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	loop := NewLoop(failingProvider{}, NewToolRegistry(), bus)

	_, err := loop.Run(context.Background(), NewSession("s1"), "hello")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	ends := rec.ofType(EventAgentEnd)
	if len(ends) != 1 || ends[0].Payload.(AgentEndPayload).StopReason != StopError {
		t.Errorf("agent_end = %+v", ends)
	}
	if n := len(rec.ofType(EventError)); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
}

func TestLoopMaxTokensTruncation(t *testing.T) {
	p := &scriptedProvider{turns: []ChatResponse{
		{Content: "cut off mid", StopReason: StopMaxTokens},
	}}
	loop := NewLoop(p, NewToolRegistry(), NewBus())
	s := NewSession("s1")

	res, err := loop.Run(context.Background(), s, "write a novel")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopMaxTokens || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestTruncateToolContent(t *testing.T) {
	short := "small output"
	if got := truncateToolContent(short); got != short {
		t.Errorf("short content modified: %q", got)
	}

	long := strings.Repeat("x", maxToolResultMessageLen+100)
	got := truncateToolContent(long)
	if len([]rune(got)) >= len([]rune(long)) {
		t.Errorf("long content not truncated")
	}
	if !strings.Contains(got, "[output truncated") {
		t.Errorf("missing truncation marker: %q", got[len(got)-60:])
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []ChatMessage{
		{Role: RoleUser, Content: strings.Repeat("a", 40)},
		{Role: RoleAssistant, Content: strings.Repeat("b", 40)},
	}
	if got := estimateTokens(msgs); got != 20 {
		t.Errorf("estimate = %d, want 20", got)
	}
}
