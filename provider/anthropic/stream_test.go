package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mirage "github.com/ardelia/mirage"
)

func buildSSE(events ...string) string {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString("data: ")
		sb.WriteString(ev)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func collect(t *testing.T, sse string) (mirage.ChatResponse, []mirage.Fragment, error) {
	t.Helper()
	ch := make(chan mirage.Fragment, 64)
	resp, err := streamSSE(context.Background(), strings.NewReader(sse), ch)
	var frags []mirage.Fragment
	for f := range ch {
		frags = append(frags, f)
	}
	return resp, frags, err
}

func TestStreamSSE_Text(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_1","content":[],"usage":{"input_tokens":12,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	)

	resp, frags, err := collect(t, sse)
	if err != nil {
		t.Fatalf("streamSSE returned error: %v", err)
	}

	if resp.Content != "Hello there" {
		t.Errorf("expected 'Hello there', got %q", resp.Content)
	}
	if resp.StopReason != mirage.StopEndTurn {
		t.Errorf("expected end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}

	if frags[0].Type != mirage.FragMessageStart {
		t.Errorf("expected message_start first, got %q", frags[0].Type)
	}
	if frags[len(frags)-1].Type != mirage.FragMessageStop {
		t.Errorf("expected message_stop last, got %q", frags[len(frags)-1].Type)
	}
}

func TestStreamSSE_ToolUse(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_2","content":[],"usage":{"input_tokens":20,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":":\"Paris\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	)

	resp, frags, err := collect(t, sse)
	if err != nil {
		t.Fatalf("streamSSE returned error: %v", err)
	}

	if resp.StopReason != mirage.StopToolUse {
		t.Errorf("expected tool_use, got %q", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "get_weather" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if args["city"] != "Paris" {
		t.Errorf("expected city Paris, got %v", args["city"])
	}

	var sawToolStart bool
	for _, f := range frags {
		if f.Type == mirage.FragContentBlockStart && f.Block == mirage.BlockToolUse {
			sawToolStart = true
			if f.ToolCallID != "toolu_1" || f.ToolName != "get_weather" {
				t.Errorf("unexpected tool block start: %+v", f)
			}
		}
	}
	if !sawToolStart {
		t.Errorf("expected tool_use content_block_start fragment")
	}
}

func TestStreamSSE_ErrorEvent(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_3","content":[],"usage":{"input_tokens":1,"output_tokens":0}}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
	)

	_, frags, err := collect(t, sse)
	if err == nil {
		t.Fatal("expected error")
	}

	last := frags[len(frags)-1]
	if last.Type != mirage.FragError {
		t.Errorf("expected error fragment last, got %q", last.Type)
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "overloaded") {
		t.Errorf("unexpected fragment error: %v", last.Err)
	}
}

func TestStreamSSE_PingIgnored(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_4","content":[],"usage":{"input_tokens":1,"output_tokens":0}}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`,
		`{"type":"message_stop"}`,
	)

	resp, _, err := collect(t, sse)
	if err != nil {
		t.Fatalf("streamSSE returned error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected 'ok', got %q", resp.Content)
	}
}
