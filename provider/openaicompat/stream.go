package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	mirage "github.com/ardelia/mirage"
)

// StreamSSE reads an OpenAI SSE stream from body, translates each chunk
// into the shared fragment union (mirroring the Anthropic block grammar),
// and returns the fully accumulated response.
//
// The channel is closed when streaming completes. Callers should read
// from ch in a separate goroutine; the context cancels channel sends if
// the consumer is gone.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- mirage.Fragment) (mirage.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	send := func(frag mirage.Fragment) error {
		select {
		case ch <- frag:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var fullContent strings.Builder
	var usage mirage.Usage
	finishReason := ""

	// OpenAI streams tool calls incrementally: each chunk carries an
	// index and argument string fragments. Block indices mirror the
	// Anthropic grammar: one block per content unit, opened on first
	// sight and closed before the next opens.
	type partialToolCall struct {
		id    string
		name  string
		args  strings.Builder
		block int
	}
	var toolCalls []*partialToolCall
	toolBlockByIdx := make(map[int]*partialToolCall)

	nextBlock := 0
	openBlock := -1 // block index currently streaming, -1 = none
	openType := mirage.BlockType("")

	closeOpen := func() error {
		if openBlock < 0 {
			return nil
		}
		err := send(mirage.Fragment{Type: mirage.FragContentBlockStop, Index: openBlock, Block: openType})
		openBlock = -1
		return err
	}

	if err := send(mirage.Fragment{Type: mirage.FragMessageStart}); err != nil {
		return mirage.ChatResponse{}, err
	}

	textBlock := -1
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			if textBlock < 0 {
				if err := closeOpen(); err != nil {
					return mirage.ChatResponse{}, err
				}
				textBlock = nextBlock
				nextBlock++
				openBlock, openType = textBlock, mirage.BlockText
				if err := send(mirage.Fragment{Type: mirage.FragContentBlockStart, Index: textBlock, Block: mirage.BlockText}); err != nil {
					return mirage.ChatResponse{}, err
				}
			}
			fullContent.WriteString(delta.Content)
			if err := send(mirage.Fragment{Type: mirage.FragContentBlockDelta, Index: textBlock, Block: mirage.BlockText, Text: delta.Content}); err != nil {
				return mirage.ChatResponse{}, err
			}
		}

		for _, tc := range delta.ToolCalls {
			pc, ok := toolBlockByIdx[tc.Index]
			if !ok {
				if err := closeOpen(); err != nil {
					return mirage.ChatResponse{}, err
				}
				pc = &partialToolCall{block: nextBlock}
				nextBlock++
				toolBlockByIdx[tc.Index] = pc
				toolCalls = append(toolCalls, pc)
				textBlock = -1 // any later text opens a fresh block
				openBlock, openType = pc.block, mirage.BlockToolUse
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" && pc.name == "" {
				pc.name = tc.Function.Name
				if err := send(mirage.Fragment{
					Type:       mirage.FragContentBlockStart,
					Index:      pc.block,
					Block:      mirage.BlockToolUse,
					ToolCallID: pc.id,
					ToolName:   pc.name,
				}); err != nil {
					return mirage.ChatResponse{}, err
				}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if err := send(mirage.Fragment{
					Type:        mirage.FragContentBlockDelta,
					Index:       pc.block,
					Block:       mirage.BlockToolUse,
					ToolCallID:  pc.id,
					PartialJSON: tc.Function.Arguments,
				}); err != nil {
					return mirage.ChatResponse{}, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return mirage.ChatResponse{}, err
	}
	if err := closeOpen(); err != nil {
		return mirage.ChatResponse{}, err
	}

	var calls []mirage.ToolCall
	for _, pc := range toolCalls {
		args := json.RawMessage(pc.args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, mirage.ToolCall{ID: pc.id, Name: pc.name, Args: args})
	}

	stop := MapFinishReason(finishReason, len(calls) > 0)
	if err := send(mirage.Fragment{Type: mirage.FragMessageDelta, StopReason: stop, Usage: usage}); err != nil {
		return mirage.ChatResponse{}, err
	}
	if err := send(mirage.Fragment{Type: mirage.FragMessageStop}); err != nil {
		return mirage.ChatResponse{}, err
	}

	return mirage.ChatResponse{
		Content:    fullContent.String(),
		ToolCalls:  calls,
		StopReason: stop,
		Usage:      usage,
	}, nil
}
