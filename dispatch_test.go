package mirage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func falsePtr() *bool {
	v := false
	return &v
}

func newTestScheduler(t *testing.T, opts ...SchedulerOption) (*Scheduler, *ToolRegistry) {
	t.Helper()
	r := NewToolRegistry()
	return NewScheduler(r, opts...), r
}

func TestDispatchResultsInBatchOrder(t *testing.T) {
	s, r := newTestScheduler(t)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Register(&staticTool{
			def: ToolDefinition{Name: name},
			fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
				return ToolResult{Content: name}, nil
			},
		})
	}

	results := s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "c"}, {ID: "2", Name: "a"}, {ID: "3", Name: "b"},
	}, CallOptions{}, nil)

	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Content != "c" || results[1].Content != "a" || results[2].Content != "b" {
		t.Errorf("results out of batch order: %+v", results)
	}
}

func TestDispatchParallelOverlap(t *testing.T) {
	s, r := newTestScheduler(t)
	var mu sync.Mutex
	running, maxRunning := 0, 0
	r.Register(&staticTool{
		def: ToolDefinition{Name: "par"},
		fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return ToolResult{Content: "ok"}, nil
		},
	})

	calls := make([]ToolCall, 4)
	for i := range calls {
		calls[i] = ToolCall{ID: NewID(), Name: "par"}
	}
	s.Dispatch(context.Background(), calls, CallOptions{}, nil)

	if maxRunning < 2 {
		t.Errorf("max concurrent = %d, want overlap for parallelizable tools", maxRunning)
	}
}

func TestDispatchSerialOrder(t *testing.T) {
	s, r := newTestScheduler(t)
	var mu sync.Mutex
	var order []string
	mk := func(name string) *staticTool {
		return &staticTool{
			def: ToolDefinition{Name: name, Parallelizable: falsePtr()},
			fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return ToolResult{Content: name}, nil
			},
		}
	}
	r.Register(mk("first"))
	r.Register(mk("second"))

	s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "first"}, {ID: "2", Name: "second"},
	}, CallOptions{}, nil)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("serial order = %v", order)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	s, _ := newTestScheduler(t)
	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "ghost"}}, CallOptions{}, nil)

	if results[0].Error == nil || results[0].Error.Code != ToolNotFound {
		t.Errorf("result = %+v, want NotFound", results[0])
	}
}

func TestDispatchMissingRequiredParameter(t *testing.T) {
	s, r := newTestScheduler(t)
	r.Register(&staticTool{
		def: ToolDefinition{
			Name:   "needy",
			Params: []ParamSpec{{Name: "path", Type: "string", Required: true}},
		},
		result: ToolResult{Content: "ran"},
	})

	results := s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "needy", Args: json.RawMessage(`{}`)},
	}, CallOptions{}, nil)

	if results[0].Error == nil || results[0].Error.Code != ToolMissingParameter {
		t.Errorf("result = %+v, want MissingParameter", results[0])
	}
}

func TestDispatchSchemaTypeMismatch(t *testing.T) {
	s, r := newTestScheduler(t)
	r.Register(&staticTool{
		def: ToolDefinition{
			Name:   "typed",
			Params: []ParamSpec{{Name: "count", Type: "integer", Required: true}},
		},
		result: ToolResult{Content: "ran"},
	})

	results := s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "typed", Args: json.RawMessage(`{"count":"three"}`)},
	}, CallOptions{}, nil)

	if results[0].Error == nil || results[0].Error.Code != ToolInvalidParameter {
		t.Errorf("result = %+v, want InvalidParameter", results[0])
	}
}

func TestDispatchPathTraversalRejected(t *testing.T) {
	s, r := newTestScheduler(t)
	r.Register(&staticTool{
		def: ToolDefinition{
			Name:   "reader",
			Params: []ParamSpec{{Name: "path", Type: "string", Required: true}},
		},
		result: ToolResult{Content: "ran"},
	})

	results := s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "reader", Args: json.RawMessage(`{"path":"../../etc/passwd"}`)},
	}, CallOptions{}, nil)

	if results[0].Error == nil || results[0].Error.Code != ToolSecurityViolation {
		t.Errorf("result = %+v, want SecurityViolation", results[0])
	}
}

func TestDispatchPathNormalization(t *testing.T) {
	s, r := newTestScheduler(t)
	var seenPath string
	r.Register(&staticTool{
		def: ToolDefinition{
			Name:   "reader",
			Params: []ParamSpec{{Name: "path", Type: "string", Required: true}},
		},
		fn: func(_ context.Context, args json.RawMessage, _ CallOptions) (ToolResult, error) {
			var p struct {
				Path string `json:"path"`
			}
			json.Unmarshal(args, &p)
			seenPath = p.Path
			return ToolResult{Content: "ok"}, nil
		},
	})

	s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "reader", Args: json.RawMessage(`{"path":"a/./b/../c.txt"}`)},
	}, CallOptions{}, nil)

	if seenPath != "a/c.txt" {
		t.Errorf("tool saw path %q, want cleaned form", seenPath)
	}
}

func TestDispatchToolTimeout(t *testing.T) {
	s, r := newTestScheduler(t, WithToolTimeout(10*time.Millisecond))
	r.Register(&staticTool{
		def: ToolDefinition{Name: "slow"},
		fn: func(ctx context.Context, _ json.RawMessage, _ CallOptions) (ToolResult, error) {
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "slow"}}, CallOptions{}, nil)
	if results[0].Error == nil || results[0].Error.Code != ToolTimeout {
		t.Errorf("result = %+v, want Timeout", results[0])
	}
}

func TestDispatchPanicRecovered(t *testing.T) {
	s, r := newTestScheduler(t)
	r.Register(&staticTool{
		def: ToolDefinition{Name: "boom"},
		fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
			panic("tool exploded")
		},
	})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "boom"}}, CallOptions{}, nil)
	if results[0].Error == nil || results[0].Error.Code != ToolExecution {
		t.Errorf("result = %+v, want recovered Execution error", results[0])
	}
}

func TestDispatchHookBlocks(t *testing.T) {
	hooks := NewHookRunner()
	hooks.AddBefore("deny-writes", 10, func(_ context.Context, hc *HookContext) (BeforeDecision, error) {
		return BeforeDecision{Block: true, BlockReason: "writes disabled"}, nil
	})

	s, r := newTestScheduler(t, WithSchedulerHooks(hooks))
	ran := false
	r.Register(&staticTool{
		def: ToolDefinition{Name: "writer"},
		fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
			ran = true
			return ToolResult{Content: "wrote"}, nil
		},
	})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "writer"}}, CallOptions{}, nil)
	if ran {
		t.Errorf("blocked tool must not run")
	}
	if results[0].Error == nil || results[0].Error.Code != ToolPermissionDenied {
		t.Errorf("result = %+v, want PermissionDenied", results[0])
	}
}

func TestDispatchHookOverride(t *testing.T) {
	hooks := NewHookRunner()
	hooks.AddBefore("cache", 10, func(context.Context, *HookContext) (BeforeDecision, error) {
		return BeforeDecision{OverrideResult: &ToolResult{Content: "from cache"}}, nil
	})

	s, r := newTestScheduler(t, WithSchedulerHooks(hooks))
	r.Register(&staticTool{def: ToolDefinition{Name: "t"}, result: ToolResult{Content: "fresh"}})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "t"}}, CallOptions{}, nil)
	if results[0].Content != "from cache" {
		t.Errorf("result = %+v, want the override", results[0])
	}
}

func TestDispatchApprovalDenied(t *testing.T) {
	approvals := NewApprovalManager(
		WithTrustMode(TrustModerate),
		WithApprovalTimeout(10*time.Millisecond),
	)
	s, r := newTestScheduler(t,
		WithSchedulerClassifier(NewClassifier()),
		WithSchedulerApprovals(approvals),
	)
	ran := false
	r.Register(&staticTool{
		def: ToolDefinition{Name: "risky", Category: "system"},
		fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
			ran = true
			return ToolResult{Content: "did it"}, nil
		},
	})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "risky"}}, CallOptions{}, nil)
	if ran {
		t.Errorf("denied tool must not run")
	}
	if results[0].Error == nil || results[0].Error.Code != ToolApprovalTimeout {
		t.Errorf("result = %+v, want ApprovalTimeout", results[0])
	}
}

func TestDispatchApprovalBypassedForSafeCalls(t *testing.T) {
	approvals := NewApprovalManager(
		WithTrustMode(TrustModerate),
		WithApprovalTimeout(10*time.Millisecond),
	)
	s, r := newTestScheduler(t,
		WithSchedulerClassifier(NewClassifier()),
		WithSchedulerApprovals(approvals),
	)
	r.Register(&staticTool{
		def:    ToolDefinition{Name: "safe", Category: "read"},
		result: ToolResult{Content: "data"},
	})

	results := s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "safe", Args: json.RawMessage(`{}`)},
	}, CallOptions{}, nil)
	if results[0].Error != nil || results[0].Content != "data" {
		t.Errorf("result = %+v, safe calls skip approval", results[0])
	}
}

func TestDispatchLaneRouting(t *testing.T) {
	lanes := NewLaneManager()
	s, r := newTestScheduler(t, WithSchedulerLanes(lanes))
	r.Register(&staticTool{
		def:    ToolDefinition{Name: "device", Parallelizable: falsePtr(), LaneID: "device"},
		result: ToolResult{Content: "tapped"},
	})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "device"}}, CallOptions{}, nil)
	if results[0].Error != nil || results[0].Content != "tapped" {
		t.Errorf("result = %+v", results[0])
	}
	if lanes.Lane("device") == nil || lanes.Size() != 2 {
		t.Errorf("expected the device lane to be created")
	}
}

func TestDispatchBusEvents(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	events := map[EventType]int{}
	for _, et := range []EventType{EventToolBefore, EventToolAfter, EventToolError} {
		et := et
		bus.Subscribe(et, func(Event) {
			mu.Lock()
			events[et]++
			mu.Unlock()
		})
	}

	s, r := newTestScheduler(t, WithSchedulerBus(bus))
	r.Register(&staticTool{def: ToolDefinition{Name: "good"}, result: ToolResult{Content: "ok"}})
	r.Register(&staticTool{
		def:    ToolDefinition{Name: "bad"},
		result: FailedResult("bad", NewToolError(ToolExecution, "broke")),
	})

	s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "good"}, {ID: "2", Name: "bad"},
	}, CallOptions{}, nil)

	mu.Lock()
	defer mu.Unlock()
	if events[EventToolBefore] != 2 {
		t.Errorf("before events = %d, want 2", events[EventToolBefore])
	}
	if events[EventToolAfter] != 1 || events[EventToolError] != 1 {
		t.Errorf("after/error = %d/%d, want 1/1", events[EventToolAfter], events[EventToolError])
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	s, r := newTestScheduler(t)
	r.Register(&staticTool{def: ToolDefinition{Name: "t"}, result: ToolResult{Content: "ok"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := s.Dispatch(ctx, []ToolCall{{ID: "1", Name: "t"}, {ID: "2", Name: "t"}}, CallOptions{}, nil)
	for i, res := range results {
		if res.Error == nil {
			t.Errorf("results[%d] = %+v, want cancellation failure", i, res)
		}
	}
}

func TestDispatchHookOverrideEventGrammar(t *testing.T) {
	bus := NewBus()
	rec := newBusRecorder(bus)
	stream := NewStreamHandler(bus)
	stream.AgentStart("r1", "s1")

	hooks := NewHookRunner()
	hooks.AddBefore("cache", 10, func(context.Context, *HookContext) (BeforeDecision, error) {
		return BeforeDecision{OverrideResult: &ToolResult{Content: "from cache"}}, nil
	})
	s, r := newTestScheduler(t, WithSchedulerHooks(hooks), WithSchedulerBus(bus))
	r.Register(&staticTool{def: ToolDefinition{Name: "t"}, result: ToolResult{Content: "fresh"}})

	results := s.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "t"}}, CallOptions{}, stream)
	if results[0].Content != "from cache" {
		t.Fatalf("result = %+v, want the override", results[0])
	}

	// A short-circuited call still emits a paired start/end.
	starts := rec.ofType(EventToolExecStart)
	ends := rec.ofType(EventToolExecEnd)
	if len(starts) != 1 || len(ends) != 1 {
		t.Fatalf("tool exec events = %d starts, %d ends, want 1/1", len(starts), len(ends))
	}
	if starts[0].Payload.(ToolExecPayload).ToolName != "t" {
		t.Errorf("start payload = %+v", starts[0].Payload)
	}
	ep := ends[0].Payload.(ToolExecPayload)
	if ep.ToolName != "t" || ep.Result == nil || ep.Result.Content != "from cache" {
		t.Errorf("end payload = %+v", ep)
	}

	if n := len(rec.ofType(EventToolBefore)); n != 1 {
		t.Errorf("tool:before events = %d, want 1", n)
	}
	if n := len(rec.ofType(EventToolAfter)); n != 1 {
		t.Errorf("tool:after events = %d, want 1", n)
	}
}

func TestDispatchSerialAfterParallel(t *testing.T) {
	s, r := newTestScheduler(t)
	var mu sync.Mutex
	starts := map[string]time.Time{}
	ends := map[string]time.Time{}
	register := func(name string, parallel *bool, d time.Duration) {
		r.Register(&staticTool{
			def: ToolDefinition{Name: name, Parallelizable: parallel},
			fn: func(context.Context, json.RawMessage, CallOptions) (ToolResult, error) {
				mu.Lock()
				starts[name] = time.Now()
				mu.Unlock()
				time.Sleep(d)
				mu.Lock()
				ends[name] = time.Now()
				mu.Unlock()
				return ToolResult{Content: name}, nil
			},
		})
	}
	register("screenshot", nil, 20*time.Millisecond)
	register("find_text", nil, 10*time.Millisecond)
	register("click", falsePtr(), 0)

	results := s.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "click"}, {ID: "2", Name: "screenshot"}, {ID: "3", Name: "find_text"},
	}, CallOptions{}, nil)

	// Batch order is preserved even though execution reorders.
	if results[0].Content != "click" || results[1].Content != "screenshot" || results[2].Content != "find_text" {
		t.Fatalf("results = %+v, want batch order", results)
	}

	// The serial call runs only after every parallel call has ended.
	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"screenshot", "find_text"} {
		if starts["click"].Before(ends[name]) {
			t.Errorf("click started at %v, before %s ended at %v", starts["click"], name, ends[name])
		}
	}
}
