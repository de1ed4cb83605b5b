package mirage

import (
	"context"
	"log/slog"
	"sync"
)

// EventType names a bus event. Streaming events (see stream.go) and the
// coarser domain events below share one namespace.
type EventType string

// Domain events emitted by the core alongside the streaming events.
const (
	EventToolBefore      EventType = "tool:before"
	EventToolAfter       EventType = "tool:after"
	EventToolError       EventType = "tool:error"
	EventSessionStart    EventType = "session:start"
	EventSessionEnd      EventType = "session:end"
	EventSessionCompress EventType = "session:compress"
	EventMessageUser     EventType = "message:user"
	EventMessageAsst     EventType = "message:assistant"
	EventMemorySaved     EventType = "memory:saved"
	EventAgentIdle       EventType = "agent:idle"
	EventSuggestion      EventType = "heartbeat:suggestion"
	EventApprovalRequest EventType = "approval:request"
	EventApprovalResolve EventType = "approval:resolve"

	// EventWildcard subscribers receive every emission.
	EventWildcard EventType = "event"
)

// Handler receives bus events. Emit invokes handlers synchronously; a
// handler needing async work must schedule it itself.
type Handler func(ev Event)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type    EventType
	At      int64 // Unix seconds
	Payload any
}

// defaultMaxListeners is the per-type subscription count above which the
// bus logs a leak warning.
const defaultMaxListeners = 50

// Bus is a process-wide typed publish/subscribe hub. Emit is synchronous
// and never blocks on handler completion beyond the handler's own body;
// there is no back-pressure. Safe for concurrent use.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[EventType][]*subscription
	maxListeners int
	logger       *slog.Logger
}

type subscription struct {
	fn Handler
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMaxListeners sets the per-type listener count that triggers a leak
// warning. Default: 50.
func WithMaxListeners(n int) BusOption {
	return func(b *Bus) { b.maxListeners = n }
}

// WithBusLogger sets the structured logger used for handler panics and
// leak warnings.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an empty event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers:     make(map[EventType][]*subscription),
		maxListeners: defaultMaxListeners,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event type and returns a
// disposer. Subscribing to EventWildcard receives every emission.
func (b *Bus) Subscribe(t EventType, fn Handler) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], sub)
	n := len(b.handlers[t])
	b.mu.Unlock()

	if n > b.maxListeners {
		b.logger.Warn("possible listener leak", "event", string(t), "count", n)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, sub) })
	}
}

func (b *Bus) remove(t EventType, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, s := range subs {
		if s == sub {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit invokes all handlers for t in registration order, then wildcard
// handlers. A handler panic is recovered and logged; subsequent handlers
// still run.
func (b *Bus) Emit(t EventType, payload any) {
	ev := Event{Type: t, At: NowUnix(), Payload: payload}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[t]...)
	if t != EventWildcard {
		subs = append(subs, b.handlers[EventWildcard]...)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(t, s.fn, ev)
	}
}

func (b *Bus) invoke(t EventType, fn Handler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event handler panic", "event", string(t), "panic", p)
		}
	}()
	fn(ev)
}

// ListenerCount returns the number of handlers registered for t.
func (b *Bus) ListenerCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// --- shared nop logger ---

// nopLogger discards all records. Components fall back to it so their
// loggers are never nil.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
