package mirage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// HeartbeatTask is one registered periodic job.
type HeartbeatTask struct {
	ID       string
	Interval time.Duration
	Enabled  bool
	Handler  func(ctx context.Context) error
	// OnError receives handler failures. Nil means log only.
	OnError func(err error)
}

// Suggestion is a proactive follow-up derived from a completed task.
type Suggestion struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// Heartbeat runs registered periodic tasks and derives proactive
// suggestions from completed work. Ticks inside the configured quiet
// hours are suppressed. Safe for concurrent use.
type Heartbeat struct {
	bus    *Bus
	logger *slog.Logger
	now    func() time.Time

	// Quiet window in minutes since midnight; equal values disable it.
	quietStart int
	quietEnd   int

	mu      sync.Mutex
	tasks   map[string]*HeartbeatTask
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithQuietHours suppresses ticks between start and end, given as "HH:MM"
// local time. The window may wrap past midnight ("22:00" to "07:00").
func WithQuietHours(start, end string) HeartbeatOption {
	return func(h *Heartbeat) {
		s, err1 := parseClock(start)
		e, err2 := parseClock(end)
		if err1 != nil || err2 != nil {
			h.logger.Warn("invalid quiet hours, ignoring", "start", start, "end", end)
			return
		}
		h.quietStart, h.quietEnd = s, e
	}
}

// WithHeartbeatBus sets the bus receiving heartbeat:suggestion events.
func WithHeartbeatBus(b *Bus) HeartbeatOption {
	return func(h *Heartbeat) { h.bus = b }
}

// WithHeartbeatLogger sets the structured logger.
func WithHeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// WithClock overrides the time source. Used by tests and quiet-hour
// simulations.
func WithClock(now func() time.Time) HeartbeatOption {
	return func(h *Heartbeat) { h.now = now }
}

// NewHeartbeat creates an engine with no tasks.
func NewHeartbeat(opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		logger: nopLogger,
		now:    time.Now,
		tasks:  make(map[string]*HeartbeatTask),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds or replaces a periodic task. Tasks registered while the
// engine runs start ticking on the next Start.
func (h *Heartbeat) Register(task HeartbeatTask) {
	if task.ID == "" {
		task.ID = NewID()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[task.ID] = &task
}

// SetEnabled toggles a task. Returns false for unknown ids.
func (h *Heartbeat) SetEnabled(id string, enabled bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[id]
	if !ok {
		return false
	}
	t.Enabled = enabled
	return true
}

// Start launches one ticker goroutine per enabled task. Idempotent while
// running.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	tasks := make([]*HeartbeatTask, 0, len(h.tasks))
	for _, t := range h.tasks {
		if t.Enabled && t.Interval > 0 {
			tasks = append(tasks, t)
		}
	}
	stop := h.stopCh
	h.mu.Unlock()

	for _, t := range tasks {
		h.wg.Add(1)
		go h.tickLoop(ctx, t, stop)
	}
}

// Stop halts all task goroutines and waits for them to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Heartbeat) tickLoop(ctx context.Context, task *HeartbeatTask, stop <-chan struct{}) {
	defer h.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.runTask(ctx, task)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Heartbeat) runTask(ctx context.Context, task *HeartbeatTask) {
	h.mu.Lock()
	enabled := task.Enabled
	h.mu.Unlock()
	if !enabled || h.InQuietHours(h.now()) {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("heartbeat task panic", "task", task.ID, "panic", p)
		}
	}()
	if err := task.Handler(ctx); err != nil {
		h.logger.Warn("heartbeat task failed", "task", task.ID, "error", err)
		if task.OnError != nil {
			task.OnError(err)
		}
	}
}

// InQuietHours reports whether t falls inside the configured quiet
// window.
func (h *Heartbeat) InQuietHours(t time.Time) bool {
	if h.quietStart == h.quietEnd {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if h.quietStart < h.quietEnd {
		return minute >= h.quietStart && minute < h.quietEnd
	}
	// Window wraps past midnight.
	return minute >= h.quietStart || minute < h.quietEnd
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, err
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock out of range: %s", s)
	}
	return hh*60 + mm, nil
}

// --- completion analysis ---

// failureMarkers are substrings that flag a task result as failed.
var failureMarkers = []string{"error", "failed", "failure", "exception", "timed out", "timeout", "denied"}

// followUpMarkers flag deferred work inside a result.
var followUpMarkers = []string{"todo", "fixme", "follow up", "follow-up", "next step", "remaining"}

// AnalyzeTaskCompletion derives proactive suggestions from a finished
// task's description and result using pure heuristics; no network calls.
// Suggestions are also emitted as heartbeat:suggestion bus events.
func (h *Heartbeat) AnalyzeTaskCompletion(description, result string) []Suggestion {
	var out []Suggestion
	lower := strings.ToLower(result)

	if containsAny(lower, failureMarkers) {
		out = append(out, Suggestion{
			Type:    "investigate_failure",
			Message: fmt.Sprintf("task %q reported a failure; investigate and retry", summarizeText(description)),
		})
	}
	if containsAny(lower, followUpMarkers) {
		out = append(out, Suggestion{
			Type:    "follow_up",
			Message: fmt.Sprintf("task %q left deferred work behind", summarizeText(description)),
		})
	}
	if len([]rune(result)) > 4000 {
		out = append(out, Suggestion{
			Type:    "summarize",
			Message: fmt.Sprintf("task %q produced a long result; consider summarizing it", summarizeText(description)),
		})
	}

	if h.bus != nil {
		for _, s := range out {
			h.bus.Emit(EventSuggestion, s)
		}
	}
	return out
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// summarizeText shortens a description for suggestion messages.
func summarizeText(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= 60 {
		return string(runes)
	}
	return string(runes[:57]) + "..."
}
