package mirage

import (
	"strings"
	"unicode"
)

// Thinking tags emitted by reasoning models. ExtractThinking excises the
// tagged regions and reports them separately.
const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// DefaultBlockSize is the chunk size SplitBlocks uses when given 0.
const DefaultBlockSize = 2000

// DeltaBuffer accumulates streaming text deltas and tracks thinking-tag
// parser state across chunks. Not safe for concurrent use; the streaming
// handler owns one per run.
type DeltaBuffer struct {
	buf strings.Builder

	inThinkingBlock bool
	thinkingBuffer  strings.Builder
}

// NewDeltaBuffer creates an empty buffer.
func NewDeltaBuffer() *DeltaBuffer {
	return &DeltaBuffer{}
}

// Append concatenates a delta and returns the new accumulated content.
func (d *DeltaBuffer) Append(delta string) string {
	d.buf.WriteString(delta)
	return d.buf.String()
}

// AppendDedup reconciles the buffer with a provider's final full content.
// When full extends the accumulated deltas, only the missing tail is
// appended and returned; otherwise the buffer is replaced wholesale and
// full is returned. Either way the buffer afterwards equals full.
func (d *DeltaBuffer) AppendDedup(full string) (tail string) {
	current := d.buf.String()
	if strings.HasPrefix(full, current) {
		tail = full[len(current):]
		d.buf.WriteString(tail)
		return tail
	}
	d.buf.Reset()
	d.buf.WriteString(full)
	return full
}

// Content returns the accumulated text.
func (d *DeltaBuffer) Content() string { return d.buf.String() }

// Len returns the accumulated length in bytes.
func (d *DeltaBuffer) Len() int { return d.buf.Len() }

// Reset clears the buffer and the thinking parser state.
func (d *DeltaBuffer) Reset() {
	d.buf.Reset()
	d.thinkingBuffer.Reset()
	d.inThinkingBlock = false
}

// ThinkingResult is the outcome of ExtractThinking.
type ThinkingResult struct {
	// Thinking is the concatenated text inside <think> regions.
	Thinking string
	// Content is the buffer with thinking regions excised.
	Content string
	// IsComplete is false while an opened <think> block has no closing tag
	// yet; more deltas may still belong to the thinking region.
	IsComplete bool
}

// ExtractThinking parses <think>…</think> regions out of the accumulated
// content. Regions may span chunk boundaries: the parser carries its
// in-block state so a partial open tag in one call resolves on the next.
func (d *DeltaBuffer) ExtractThinking() ThinkingResult {
	s := d.buf.String()
	var content strings.Builder
	var thinking strings.Builder
	inBlock := false

	for len(s) > 0 {
		if inBlock {
			end := strings.Index(s, thinkCloseTag)
			if end < 0 {
				thinking.WriteString(s)
				s = ""
				break
			}
			thinking.WriteString(s[:end])
			s = s[end+len(thinkCloseTag):]
			inBlock = false
			continue
		}
		start := strings.Index(s, thinkOpenTag)
		if start < 0 {
			content.WriteString(s)
			s = ""
			break
		}
		content.WriteString(s[:start])
		s = s[start+len(thinkOpenTag):]
		inBlock = true
	}

	d.inThinkingBlock = inBlock
	d.thinkingBuffer.Reset()
	d.thinkingBuffer.WriteString(thinking.String())

	return ThinkingResult{
		Thinking:   strings.TrimSpace(thinking.String()),
		Content:    strings.TrimSpace(content.String()),
		IsComplete: !inBlock,
	}
}

// InThinkingBlock reports whether the parser is inside an unclosed
// <think> region.
func (d *DeltaBuffer) InThinkingBlock() bool { return d.inThinkingBlock }

// SplitBlocks splits the accumulated content into chunks of at most size
// bytes, preferring to break at paragraph boundaries, then sentence ends,
// then word boundaries. The final partial chunk is returned as remainder.
// size 0 means DefaultBlockSize.
func (d *DeltaBuffer) SplitBlocks(size int) (blocks []string, remainder string) {
	if size <= 0 {
		size = DefaultBlockSize
	}
	rest := d.buf.String()
	for len(rest) > size {
		cut := findBreak(rest, size)
		blocks = append(blocks, strings.TrimRight(rest[:cut], " \n"))
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	return blocks, rest
}

// findBreak picks the best break position in s at or before limit:
// paragraph, then sentence end, then space, then a hard cut.
func findBreak(s string, limit int) int {
	window := s[:limit]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := lastSentenceEnd(window); i > 0 {
		return i
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i + 1
	}
	return limit
}

// sentenceEnders matches the terminators recognized by lastSentenceEnd.
const sentenceEnders = ".!?。！？"

// lastSentenceEnd returns the position just past the last sentence
// terminator that is followed by whitespace or end-of-window.
func lastSentenceEnd(s string) int {
	runes := []rune(s)
	byteAt := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		byteAt[i] = off
		off += len(string(r))
	}
	byteAt[len(runes)] = off

	for i := len(runes) - 1; i >= 0; i-- {
		if !strings.ContainsRune(sentenceEnders, runes[i]) {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			return byteAt[i+1]
		}
	}
	return -1
}
