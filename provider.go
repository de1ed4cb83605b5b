package mirage

import "context"

// FragmentType tags a raw provider stream fragment. The union mirrors the
// Anthropic streaming shape; other dialects are translated to it by their
// adapters.
type FragmentType string

const (
	FragMessageStart      FragmentType = "message_start"
	FragContentBlockStart FragmentType = "content_block_start"
	FragContentBlockDelta FragmentType = "content_block_delta"
	FragContentBlockStop  FragmentType = "content_block_stop"
	FragMessageDelta      FragmentType = "message_delta"
	FragMessageStop       FragmentType = "message_stop"
	FragError             FragmentType = "error"
)

// BlockType identifies the kind of content block inside a message.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// Fragment is one unit of a provider's streaming response.
type Fragment struct {
	Type FragmentType

	// content_block_start / delta / stop
	Index int
	Block BlockType

	// content_block_start with Block == BlockToolUse
	ToolCallID string
	ToolName   string

	// content_block_delta
	Text        string // Block == BlockText
	PartialJSON string // Block == BlockToolUse: incremental argument JSON

	// message_delta
	StopReason StopReason
	Usage      Usage

	// error
	Err error
}

// Provider abstracts the LLM backend. Adapters translate dialects
// (anthropic, openai, gemini) to the Fragment union.
type Provider interface {
	// CreateMessage sends a blocking request and returns the full response.
	CreateMessage(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// StreamMessage streams fragments into ch, closing it when the stream
	// ends, then returns the fully accumulated response.
	StreamMessage(ctx context.Context, req ChatRequest, ch chan<- Fragment) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}
