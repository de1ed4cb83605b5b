package mirage

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// busRecorder captures every event emitted to the bus, in order.
type busRecorder struct {
	mu     sync.Mutex
	events []Event
}

func newBusRecorder(bus *Bus) *busRecorder {
	r := &busRecorder{}
	bus.Subscribe(EventWildcard, func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *busRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *busRecorder) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *busRecorder) waitFor(t *testing.T, typ EventType, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(r.ofType(typ)) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events", n, typ)
}

func TestStreamHandlerLifecycleOrder(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus, WithFlushThreshold(1))

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.Delta("hello")
	h.MessageEnd("hello", StopEndTurn, Usage{InputTokens: 3, OutputTokens: 2})
	h.AgentEnd(StopEndTurn)

	var types []EventType
	for _, ev := range rec.all() {
		types = append(types, ev.Type)
	}
	want := []EventType{EventAgentStart, EventMessageStart, EventMessageUpdate, EventMessageEnd, EventAgentEnd}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestStreamHandlerCoalescesDeltas(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus, WithFlushThreshold(10), WithFlushInterval(time.Hour))

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.Delta("abc")
	h.Delta("def")
	if n := len(rec.ofType(EventMessageUpdate)); n != 0 {
		t.Fatalf("updates before threshold = %d, want 0", n)
	}

	h.Delta("ghij")
	updates := rec.ofType(EventMessageUpdate)
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1 coalesced", len(updates))
	}
	p := updates[0].Payload.(MessageUpdatePayload)
	if p.Delta != "abcdefghij" || p.Accumulated != "abcdefghij" {
		t.Errorf("payload = %+v", p)
	}
}

func TestStreamHandlerTimerFlush(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus, WithFlushThreshold(1000), WithFlushInterval(10*time.Millisecond))

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.Delta("slow trickle")

	rec.waitFor(t, EventMessageUpdate, 1)
	p := rec.ofType(EventMessageUpdate)[0].Payload.(MessageUpdatePayload)
	if p.Delta != "slow trickle" {
		t.Errorf("payload = %+v", p)
	}
}

func TestStreamHandlerMessageEndDedup(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus, WithFlushThreshold(1))

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.Delta("hello")

	// Final content extends the streamed prefix; only the tail is emitted.
	content, _ := h.MessageEnd("hello world", StopEndTurn, Usage{})
	if content != "hello world" {
		t.Errorf("content = %q", content)
	}

	updates := rec.ofType(EventMessageUpdate)
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	tail := updates[1].Payload.(MessageUpdatePayload)
	if tail.Delta != " world" {
		t.Errorf("tail delta = %q, want %q", tail.Delta, " world")
	}

	ends := rec.ofType(EventMessageEnd)
	if len(ends) != 1 {
		t.Fatalf("ends = %d", len(ends))
	}
	ep := ends[0].Payload.(MessageEndPayload)
	if ep.Content != "hello world" || ep.StopReason != StopEndTurn {
		t.Errorf("end payload = %+v", ep)
	}
}

func TestStreamHandlerThinkingExtraction(t *testing.T) {
	bus := NewBus()
	h := NewStreamHandler(bus, WithFlushThreshold(1000), WithFlushInterval(time.Hour))

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.Delta("<think>let me reason</think>the answer is 4")

	content, thinking := h.MessageEnd("", StopEndTurn, Usage{})
	if thinking != "let me reason" {
		t.Errorf("thinking = %q", thinking)
	}
	if content != "the answer is 4" {
		t.Errorf("content = %q", content)
	}
}

func TestStreamHandlerToolEvents(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus)

	h.AgentStart("r1", "s1")
	h.ToolStart("c1", "shell_exec")
	h.ToolUpdate("c1", "running")
	h.ToolEnd("c1", ToolResult{Content: "done"})

	starts := rec.ofType(EventToolExecStart)
	if len(starts) != 1 || starts[0].Payload.(ToolExecPayload).ToolName != "shell_exec" {
		t.Fatalf("starts = %+v", starts)
	}
	upds := rec.ofType(EventToolExecUpdate)
	if len(upds) != 1 || upds[0].Payload.(ToolExecPayload).Progress != "running" {
		t.Errorf("updates = %+v", upds)
	}
	ends := rec.ofType(EventToolExecEnd)
	if len(ends) != 1 {
		t.Fatalf("ends = %d", len(ends))
	}
	ep := ends[0].Payload.(ToolExecPayload)
	if ep.Result == nil || ep.Result.Content != "done" {
		t.Errorf("end payload = %+v", ep)
	}
	if ep.ToolName != "shell_exec" {
		t.Errorf("end tool name = %q", ep.ToolName)
	}
}

func TestStreamHandlerUsageAccumulates(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus)

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.MessageEnd("a", StopToolUse, Usage{InputTokens: 10, OutputTokens: 5})
	h.MessageStart()
	h.MessageEnd("b", StopEndTurn, Usage{InputTokens: 20, OutputTokens: 7})
	h.AgentEnd(StopEndTurn)

	ends := rec.ofType(EventAgentEnd)
	if len(ends) != 1 {
		t.Fatalf("agent_end = %d", len(ends))
	}
	u := ends[0].Payload.(AgentEndPayload).Usage
	if u.InputTokens != 30 || u.OutputTokens != 12 {
		t.Errorf("usage = %+v, want accumulated totals", u)
	}

	texts := h.AssistantTexts()
	if len(texts) != 2 || texts[0] != "a" || texts[1] != "b" {
		t.Errorf("assistant texts = %v", texts)
	}
}

func TestStreamHandlerAgentStartResets(t *testing.T) {
	bus := NewBus()
	h := NewStreamHandler(bus, WithFlushThreshold(1000), WithFlushInterval(time.Hour))

	h.AgentStart("r1", "s1")
	h.MessageStart()
	h.Delta("leftover")
	h.MessageEnd("leftover", StopEndTurn, Usage{InputTokens: 99})

	h.AgentStart("r2", "s1")
	if h.RunID() != "r2" {
		t.Errorf("run id = %q", h.RunID())
	}
	if texts := h.AssistantTexts(); len(texts) != 0 {
		t.Errorf("texts not reset: %v", texts)
	}
}

func TestStreamHandlerError(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	h := NewStreamHandler(bus)

	h.AgentStart("r1", "s1")
	h.Error(errors.New("provider unreachable"), true)

	errs := rec.ofType(EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d", len(errs))
	}
	p := errs[0].Payload.(ErrorPayload)
	if p.Message != "provider unreachable" || !p.Recoverable || p.RunID != "r1" {
		t.Errorf("payload = %+v", p)
	}
}
