package mirage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// TrustMode controls how aggressively the approval gate auto-approves.
type TrustMode string

const (
	// TrustStrict approves only explicit yes responses; remembered
	// decisions are ignored.
	TrustStrict TrustMode = "strict"
	// TrustModerate is the default: approval required above low risk,
	// remembered decisions honored.
	TrustModerate TrustMode = "moderate"
	// TrustPermissive auto-approves up to medium risk.
	TrustPermissive TrustMode = "permissive"
	// TrustYolo bypasses approval entirely.
	TrustYolo TrustMode = "yolo"
)

// ReasonApprovalTimeout is the denial reason when no response arrives
// within the approval timeout.
const ReasonApprovalTimeout = "approval_timeout"

// defaultApprovalTimeout bounds how long a call waits for a human.
const defaultApprovalTimeout = 120 * time.Second

// ApprovalRequest is handed to the approval channel for a human decision.
type ApprovalRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Risk      RiskLevel       `json:"risk"`
	Warnings  []string        `json:"warnings,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// ApprovalResponse is a human's answer to an approval request.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	// RememberChoice persists the decision for identical (tool, args)
	// calls in this process.
	RememberChoice bool   `json:"remember_choice,omitempty"`
	DecidedBy      string `json:"decided_by,omitempty"`
}

// ApprovalRecord is the audit entry written for every decision, including
// auto-approvals and timeouts.
type ApprovalRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	ToolName  string    `json:"tool_name"`
	Args      string    `json:"args,omitempty"` // canonicalized
	Risk      RiskLevel `json:"risk"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt int64     `json:"decided_at"`
}

// ApprovalChannel delivers approval prompts to an external surface (chat
// platform, UI). Responses come back through ApprovalManager.Resolve; the
// channel itself only notifies.
type ApprovalChannel interface {
	Deliver(ctx context.Context, req ApprovalRequest) error
}

// ApprovalManager gates risky tool calls behind human approval. One
// pending entry exists per request id; Resolve is the single writer for
// it. A request that times out is denied with reason "approval_timeout".
// Safe for concurrent use.
type ApprovalManager struct {
	mode    TrustMode
	timeout time.Duration
	channel ApprovalChannel
	bus     *Bus
	log     ApprovalLog
	logger  *slog.Logger

	mu         sync.Mutex
	pending    map[string]chan ApprovalResponse
	remembered map[string]ApprovalResponse
}

// ApprovalOption configures an ApprovalManager.
type ApprovalOption func(*ApprovalManager)

// WithTrustMode sets the trust mode. Default: moderate.
func WithTrustMode(mode TrustMode) ApprovalOption {
	return func(m *ApprovalManager) { m.mode = mode }
}

// WithApprovalTimeout sets how long to wait for a response. Default: 120s.
func WithApprovalTimeout(d time.Duration) ApprovalOption {
	return func(m *ApprovalManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithApprovalChannel sets the external delivery surface.
func WithApprovalChannel(ch ApprovalChannel) ApprovalOption {
	return func(m *ApprovalManager) { m.channel = ch }
}

// WithApprovalBus sets the bus receiving approval:request/resolve events.
func WithApprovalBus(b *Bus) ApprovalOption {
	return func(m *ApprovalManager) { m.bus = b }
}

// WithApprovalLog sets the audit log decisions are appended to.
func WithApprovalLog(log ApprovalLog) ApprovalOption {
	return func(m *ApprovalManager) { m.log = log }
}

// WithApprovalLogger sets the structured logger.
func WithApprovalLogger(l *slog.Logger) ApprovalOption {
	return func(m *ApprovalManager) { m.logger = l }
}

// NewApprovalManager creates a manager in moderate mode.
func NewApprovalManager(opts ...ApprovalOption) *ApprovalManager {
	m := &ApprovalManager{
		mode:       TrustModerate,
		timeout:    defaultApprovalTimeout,
		logger:     nopLogger,
		pending:    make(map[string]chan ApprovalResponse),
		remembered: make(map[string]ApprovalResponse),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the active trust mode.
func (m *ApprovalManager) Mode() TrustMode { return m.mode }

// Request decides one classified tool call. Auto-paths (yolo, permissive
// under medium, remembered decisions) resolve without involving the
// channel; otherwise the request is delivered and the call blocks until
// Resolve, context cancellation, or timeout. Every decision is recorded.
func (m *ApprovalManager) Request(ctx context.Context, sessionID, runID, toolName string, args json.RawMessage, cls Classification) ApprovalResponse {
	if m.mode == TrustYolo {
		return m.record(ctx, "", sessionID, toolName, args, cls, ApprovalResponse{Approved: true, Reason: "trust_mode_yolo"})
	}
	if m.mode == TrustPermissive && cls.Risk <= RiskMedium {
		return m.record(ctx, "", sessionID, toolName, args, cls, ApprovalResponse{Approved: true, Reason: "trust_mode_permissive"})
	}
	key := toolName + "\x00" + canonicalArgs(args)
	if m.mode != TrustStrict {
		m.mu.Lock()
		resp, ok := m.remembered[key]
		m.mu.Unlock()
		if ok {
			resp.Reason = "remembered_choice"
			return m.record(ctx, "", sessionID, toolName, args, cls, resp)
		}
	}

	req := ApprovalRequest{
		ID:        NewID(),
		SessionID: sessionID,
		RunID:     runID,
		ToolName:  toolName,
		Args:      args,
		Risk:      cls.Risk,
		Warnings:  cls.Warnings,
		CreatedAt: NowUnix(),
	}
	ch := make(chan ApprovalResponse, 1)
	m.mu.Lock()
	m.pending[req.ID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}()

	if m.bus != nil {
		m.bus.Emit(EventApprovalRequest, req)
	}
	if m.channel != nil {
		if err := m.channel.Deliver(ctx, req); err != nil {
			m.logger.Warn("approval delivery failed", "tool", toolName, "error", err)
		}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var resp ApprovalResponse
	select {
	case resp = <-ch:
	case <-timer.C:
		resp = ApprovalResponse{Approved: false, Reason: ReasonApprovalTimeout}
	case <-ctx.Done():
		resp = ApprovalResponse{Approved: false, Reason: "cancelled"}
	}

	if resp.RememberChoice && m.mode != TrustStrict {
		m.mu.Lock()
		m.remembered[key] = ApprovalResponse{Approved: resp.Approved, RememberChoice: true, DecidedBy: resp.DecidedBy}
		m.mu.Unlock()
	}
	return m.record(ctx, req.ID, sessionID, toolName, args, cls, resp)
}

// Resolve delivers a human decision for a pending request. Returns false
// when the request is unknown or already resolved.
func (m *ApprovalManager) Resolve(requestID string, resp ApprovalResponse) bool {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Pending returns the ids of requests awaiting resolution.
func (m *ApprovalManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

func (m *ApprovalManager) record(ctx context.Context, requestID, sessionID, toolName string, args json.RawMessage, cls Classification, resp ApprovalResponse) ApprovalResponse {
	if requestID == "" {
		requestID = NewID()
	}
	rec := ApprovalRecord{
		ID:        requestID,
		SessionID: sessionID,
		ToolName:  toolName,
		Args:      canonicalArgs(args),
		Risk:      cls.Risk,
		Approved:  resp.Approved,
		Reason:    resp.Reason,
		DecidedBy: resp.DecidedBy,
		DecidedAt: NowUnix(),
	}
	if m.log != nil {
		if err := m.log.AppendApproval(ctx, rec); err != nil {
			m.logger.Warn("approval log append failed", "tool", toolName, "error", err)
		}
	}
	if m.bus != nil {
		m.bus.Emit(EventApprovalResolve, rec)
	}
	return resp
}

// canonicalArgs produces a stable textual form of a call's arguments so
// remembered decisions match regardless of key order or whitespace.
func canonicalArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return string(args)
	}
	// Map keys marshal in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return string(args)
	}
	return string(out)
}
