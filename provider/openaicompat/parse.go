package openaicompat

import (
	"encoding/json"

	mirage "github.com/ardelia/mirage"
)

// ParseResponse converts an OpenAI-format ChatResponse to a mirage
// ChatResponse, extracting content, tool calls, usage, and the mapped
// stop reason from choices[0].
func ParseResponse(resp ChatResponse) (mirage.ChatResponse, error) {
	var out mirage.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.StopReason = MapFinishReason(choice.FinishReason, len(out.ToolCalls) > 0)

	if resp.Usage != nil {
		out.Usage = mirage.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to mirage ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid fragments
// degrade to an empty object rather than failing the call.
func ParseToolCalls(tcs []ToolCallRequest) []mirage.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]mirage.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, mirage.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// MapFinishReason translates an OpenAI finish_reason into the shared stop
// reason vocabulary. hasToolCalls covers providers that report "stop"
// even when tool calls are present.
func MapFinishReason(reason string, hasToolCalls bool) mirage.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return mirage.StopToolUse
	case "length":
		return mirage.StopMaxTokens
	case "stop", "":
		if hasToolCalls {
			return mirage.StopToolUse
		}
		return mirage.StopEndTurn
	default:
		return mirage.StopEndTurn
	}
}
