package mirage

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// --- Provider errors ---

// ProviderErrorKind classifies a provider failure for recovery decisions.
type ProviderErrorKind string

const (
	// ProviderTransport is a network-level failure (recoverable with backoff).
	ProviderTransport ProviderErrorKind = "transport"
	// ProviderRateLimited is a 429-style rejection (recoverable with backoff).
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	// ProviderInvalidResponse is a malformed or unexpected provider payload.
	ProviderInvalidResponse ProviderErrorKind = "invalid_response"
	// ProviderAuth is an authentication or authorization failure.
	ProviderAuth ProviderErrorKind = "auth"
)

// ProviderError is returned by Provider implementations. Transport and
// rate-limited errors are retried by the agent loop with exponential
// backoff; the rest abort the current turn.
type ProviderError struct {
	Kind       ProviderErrorKind
	Provider   string
	Message    string
	Status     int           // HTTP status when applicable, 0 otherwise
	RetryAfter time.Duration // parsed Retry-After hint, 0 when absent
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Recoverable reports whether the error should be retried with backoff.
func (e *ProviderError) Recoverable() bool {
	return e.Kind == ProviderTransport || e.Kind == ProviderRateLimited
}

// ParseRetryAfter parses an HTTP Retry-After header value into a
// duration. Supports both delta-seconds ("30") and HTTP-date forms.
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// --- Tool errors ---

// ToolErrorCode identifies the failure class of a tool invocation.
type ToolErrorCode string

const (
	ToolNotFound          ToolErrorCode = "NotFound"
	ToolMissingParameter  ToolErrorCode = "MissingParameter"
	ToolInvalidParameter  ToolErrorCode = "InvalidParameter"
	ToolPermissionDenied  ToolErrorCode = "PermissionDenied"
	ToolTimeout           ToolErrorCode = "Timeout"
	ToolSecurityViolation ToolErrorCode = "SecurityViolation"
	ToolExecution         ToolErrorCode = "Execution"
	ToolApprovalDenied    ToolErrorCode = "ApprovalDenied"
	ToolApprovalTimeout   ToolErrorCode = "ApprovalTimeout"
)

// ToolError is the structured failure carried inside a ToolResult.
// Tool failures never abort the run; the LLM observes them and can
// self-correct.
type ToolError struct {
	Code    ToolErrorCode  `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %s: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with the given code and formatted message.
func NewToolError(code ToolErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// --- Lane errors ---

// LaneFullError is returned by Lane.Enqueue when the queue is at capacity.
// The queue is not mutated.
type LaneFullError struct {
	Lane  string
	Depth int
}

func (e *LaneFullError) Error() string {
	return fmt.Sprintf("lane %q full: %d tasks queued", e.Lane, e.Depth)
}

// ErrTaskTimeout distinguishes a lane-task timeout from other task failures.
var ErrTaskTimeout = errors.New("task timed out")

// --- Compression ---

// CompressionError wraps a failed context-compression attempt. Non-fatal:
// the agent loop logs a warning and continues uncompressed.
type CompressionError struct {
	Cause error
}

func (e *CompressionError) Error() string {
	return "context compression failed: " + e.Cause.Error()
}

func (e *CompressionError) Unwrap() error { return e.Cause }

// --- Run errors ---

// ErrSessionBusy is returned when a session already has an in-flight turn
// and the loop is configured to reject rather than queue.
var ErrSessionBusy = errors.New("session has an in-flight turn")

// ErrMaxTurns is returned when a run exceeds the configured turn budget.
var ErrMaxTurns = errors.New("max turns exceeded")
