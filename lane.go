package mirage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task lifecycle events emitted by lanes.
const (
	EventTaskStart EventType = "task:start"
	EventTaskDone  EventType = "task:done"
	EventTaskError EventType = "task:error"
)

// TaskEventPayload accompanies task lifecycle events.
type TaskEventPayload struct {
	Lane   string `json:"lane"`
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Err    string `json:"err,omitempty"`
}

// Lane defaults.
const (
	defaultMaxQueue    = 100
	defaultTaskTimeout = 2 * time.Minute
	// parallelLaneConcurrency is the width of the manager's shared lane
	// for admitted independent tasks.
	parallelLaneConcurrency = 10
)

// Task is one unit of lane work. Enqueue returns a future channel that
// receives exactly one TaskResult when the task completes or terminally
// fails.
type Task struct {
	ID      string
	Name    string
	Execute func(ctx context.Context) (any, error)
	// Timeout bounds one execution attempt. Zero means the lane default.
	Timeout time.Duration
	// Retries is the number of re-queues granted after a failed attempt.
	// Retried tasks go to the head of the queue.
	Retries int
}

// TaskResult is the terminal outcome of a lane task.
type TaskResult struct {
	Value any
	Err   error
}

type laneItem struct {
	ctx     context.Context
	task    Task
	retries int
	done    chan TaskResult
}

// Lane is a named FIFO task queue. With concurrency 1 (the default) each
// dequeued task runs to completion before the next begins, giving strict
// happens-before ordering. Safe for concurrent use.
type Lane struct {
	name        string
	concurrency int
	maxQueue    int
	timeout     time.Duration
	bus         *Bus
	logger      *slog.Logger

	mu      sync.Mutex
	queue   []*laneItem
	running int
}

// LaneOption configures a Lane.
type LaneOption func(*Lane)

// WithConcurrency sets how many tasks may run at once. Default: 1 (serial).
func WithConcurrency(n int) LaneOption {
	return func(l *Lane) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithMaxQueue sets the queue depth at which Enqueue rejects. Default: 100.
func WithMaxQueue(n int) LaneOption {
	return func(l *Lane) {
		if n > 0 {
			l.maxQueue = n
		}
	}
}

// WithTaskTimeout sets the default per-task timeout. Default: 2 minutes.
func WithTaskTimeout(d time.Duration) LaneOption {
	return func(l *Lane) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLaneBus sets the bus receiving task lifecycle events.
func WithLaneBus(b *Bus) LaneOption {
	return func(l *Lane) { l.bus = b }
}

// WithLaneLogger sets the structured logger.
func WithLaneLogger(log *slog.Logger) LaneOption {
	return func(l *Lane) { l.logger = log }
}

// NewLane creates a lane with the given name.
func NewLane(name string, opts ...LaneOption) *Lane {
	l := &Lane{
		name:        name,
		concurrency: 1,
		maxQueue:    defaultMaxQueue,
		timeout:     defaultTaskTimeout,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the lane name.
func (l *Lane) Name() string { return l.name }

// Enqueue appends a task and returns its future. When the queue is at
// capacity the future is not created and a *LaneFullError is returned
// immediately; the queue is not mutated.
func (l *Lane) Enqueue(ctx context.Context, task Task) (<-chan TaskResult, error) {
	if task.ID == "" {
		task.ID = NewID()
	}
	item := &laneItem{ctx: ctx, task: task, retries: task.Retries, done: make(chan TaskResult, 1)}

	l.mu.Lock()
	if len(l.queue) >= l.maxQueue {
		depth := len(l.queue)
		l.mu.Unlock()
		return nil, &LaneFullError{Lane: l.name, Depth: depth}
	}
	l.queue = append(l.queue, item)
	spawn := l.running < l.concurrency
	if spawn {
		l.running++
	}
	l.mu.Unlock()

	if spawn {
		go l.work()
	}
	return item.done, nil
}

// work drains the queue. One worker per admitted concurrency slot; the
// worker exits when the queue is empty.
func (l *Lane) work() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running--
			l.mu.Unlock()
			return
		}
		item := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.runItem(item)
	}
}

// runItem executes one attempt, handling retries and terminal delivery.
func (l *Lane) runItem(item *laneItem) {
	l.emit(EventTaskStart, item, nil)

	value, err := l.attempt(item)
	if err == nil {
		item.done <- TaskResult{Value: value}
		l.emit(EventTaskDone, item, nil)
		return
	}

	if item.retries > 0 && item.ctx.Err() == nil {
		item.retries--
		l.logger.Debug("lane task retrying", "lane", l.name, "task", item.task.Name, "remaining", item.retries)
		l.mu.Lock()
		// Head requeue preserves ordering relative to later arrivals.
		l.queue = append([]*laneItem{item}, l.queue...)
		l.mu.Unlock()
		return
	}

	item.done <- TaskResult{Err: err}
	l.emit(EventTaskError, item, err)
}

// attempt runs the task once, racing it against its timeout.
func (l *Lane) attempt(item *laneItem) (any, error) {
	timeout := item.task.Timeout
	if timeout <= 0 {
		timeout = l.timeout
	}
	ctx, cancel := context.WithTimeoutCause(item.ctx, timeout, ErrTaskTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: NewToolError(ToolExecution, "task %q panic: %v", item.task.Name, p)}
			}
		}()
		v, err := item.task.Execute(ctx)
		ch <- outcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause == ErrTaskTimeout {
			return nil, ErrTaskTimeout
		}
		return nil, ctx.Err()
	}
}

func (l *Lane) emit(t EventType, item *laneItem, err error) {
	if l.bus == nil {
		return
	}
	payload := TaskEventPayload{Lane: l.name, TaskID: item.task.ID, Name: item.task.Name}
	if err != nil {
		payload.Err = err.Error()
	}
	l.bus.Emit(t, payload)
}

// Idle reports whether the lane has no queued or running tasks.
func (l *Lane) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0 && l.running == 0
}

// Depth returns the number of queued (not yet started) tasks.
func (l *Lane) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// --- Lane Manager ---

// ParallelLane is the name of the manager's shared wide lane.
const ParallelLane = "parallel"

// LaneManager creates lanes lazily by name and owns one shared parallel
// lane for admitted independent tasks. Safe for concurrent use.
type LaneManager struct {
	mu     sync.Mutex
	lanes  map[string]*Lane
	bus    *Bus
	logger *slog.Logger
}

// LaneManagerOption configures a LaneManager.
type LaneManagerOption func(*LaneManager)

// WithManagerBus sets the bus passed to lanes the manager creates.
func WithManagerBus(b *Bus) LaneManagerOption {
	return func(m *LaneManager) { m.bus = b }
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(l *slog.Logger) LaneManagerOption {
	return func(m *LaneManager) { m.logger = l }
}

// NewLaneManager creates a manager with the shared parallel lane.
func NewLaneManager(opts ...LaneManagerOption) *LaneManager {
	m := &LaneManager{
		lanes:  make(map[string]*Lane),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lanes[ParallelLane] = NewLane(ParallelLane,
		WithConcurrency(parallelLaneConcurrency),
		WithLaneBus(m.bus),
		WithLaneLogger(m.logger))
	return m
}

// Lane returns the named lane, creating a serial one if absent.
func (m *LaneManager) Lane(name string) *Lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[name]; ok {
		return l
	}
	l := NewLane(name, WithLaneBus(m.bus), WithLaneLogger(m.logger))
	m.lanes[name] = l
	return l
}

// Enqueue routes a task to the named lane, creating it if absent.
func (m *LaneManager) Enqueue(laneID string, ctx context.Context, task Task) (<-chan TaskResult, error) {
	return m.Lane(laneID).Enqueue(ctx, task)
}

// CleanupIdleLanes removes lanes with no queued or running tasks. The
// shared parallel lane is kept. Returns the number of lanes removed.
// Safe to call periodically.
func (m *LaneManager) CleanupIdleLanes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for name, l := range m.lanes {
		if name == ParallelLane {
			continue
		}
		if l.Idle() {
			delete(m.lanes, name)
			removed++
		}
	}
	return removed
}

// Size returns the number of managed lanes, including the parallel lane.
func (m *LaneManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}
