package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	mirage "github.com/ardelia/mirage"
)

// streamSSE reads a Messages API SSE stream, forwards each event as a
// fragment, and returns the fully accumulated response. The fragment
// union mirrors this event grammar, so translation is nearly direct;
// tool_use inputs still need accumulation from input_json_delta events.
func streamSSE(ctx context.Context, body io.Reader, ch chan<- mirage.Fragment) (mirage.ChatResponse, error) {
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

	var out mirage.ChatResponse
	var text strings.Builder

	type toolBlock struct {
		id   string
		name string
		args strings.Builder
	}
	tools := make(map[int]*toolBlock)
	var toolOrder []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				out.Usage.InputTokens = ev.Message.Usage.InputTokens
			}
			if err := send(mirage.Fragment{Type: mirage.FragMessageStart}); err != nil {
				return mirage.ChatResponse{}, err
			}

		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			frag := mirage.Fragment{Type: mirage.FragContentBlockStart, Index: ev.Index}
			switch ev.ContentBlock.Type {
			case "tool_use":
				frag.Block = mirage.BlockToolUse
				frag.ToolCallID = ev.ContentBlock.ID
				frag.ToolName = ev.ContentBlock.Name
				tools[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				toolOrder = append(toolOrder, ev.Index)
			default:
				frag.Block = mirage.BlockText
			}
			if err := send(frag); err != nil {
				return mirage.ChatResponse{}, err
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			frag := mirage.Fragment{Type: mirage.FragContentBlockDelta, Index: ev.Index}
			switch ev.Delta.Type {
			case "input_json_delta":
				frag.Block = mirage.BlockToolUse
				frag.PartialJSON = ev.Delta.PartialJSON
				if tb, ok := tools[ev.Index]; ok {
					frag.ToolCallID = tb.id
					tb.args.WriteString(ev.Delta.PartialJSON)
				}
			default: // text_delta
				frag.Block = mirage.BlockText
				frag.Text = ev.Delta.Text
				text.WriteString(ev.Delta.Text)
			}
			if err := send(frag); err != nil {
				return mirage.ChatResponse{}, err
			}

		case "content_block_stop":
			block := mirage.BlockText
			if _, ok := tools[ev.Index]; ok {
				block = mirage.BlockToolUse
			}
			if err := send(mirage.Fragment{Type: mirage.FragContentBlockStop, Index: ev.Index, Block: block}); err != nil {
				return mirage.ChatResponse{}, err
			}

		case "message_delta":
			if ev.Delta != nil {
				out.StopReason = mapStopReason(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				out.Usage.OutputTokens = ev.Usage.OutputTokens
			}
			if err := send(mirage.Fragment{Type: mirage.FragMessageDelta, StopReason: out.StopReason, Usage: out.Usage}); err != nil {
				return mirage.ChatResponse{}, err
			}

		case "message_stop":
			if err := send(mirage.Fragment{Type: mirage.FragMessageStop}); err != nil {
				return mirage.ChatResponse{}, err
			}

		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			perr := &mirage.ProviderError{
				Kind:     mirage.ProviderInvalidResponse,
				Provider: providerName,
				Message:  msg,
			}
			if err := send(mirage.Fragment{Type: mirage.FragError, Err: perr}); err != nil {
				return mirage.ChatResponse{}, err
			}
			return mirage.ChatResponse{}, perr
		}
	}
	if err := scanner.Err(); err != nil {
		return mirage.ChatResponse{}, &mirage.ProviderError{
			Kind:     mirage.ProviderTransport,
			Provider: providerName,
			Message:  fmt.Sprintf("read stream: %v", err),
		}
	}

	out.Content = text.String()
	for _, idx := range toolOrder {
		tb := tools[idx]
		args := json.RawMessage(tb.args.String())
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, mirage.ToolCall{ID: tb.id, Name: tb.name, Args: args})
	}
	if out.StopReason == "" {
		out.StopReason = mapStopReason("")
		if len(out.ToolCalls) > 0 {
			out.StopReason = mirage.StopToolUse
		}
	}
	return out, nil
}
