package openaicompat

import (
	"encoding/json"

	mirage "github.com/ardelia/mirage"
)

// BuildBody converts a mirage ChatRequest into an OpenAI-format body. The
// request's System field becomes a leading role:"system" message; tool
// schemas are derived from each definition's parameter specs.
func BuildBody(req mirage.ChatRequest, model string, opts ...Option) ChatRequest {
	var msgs []Message

	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == mirage.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == mirage.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{Role: string(m.Role), Content: m.Content})
		}
	}

	body := ChatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}

	for _, opt := range opts {
		opt(&body)
	}
	return body
}

// BuildToolDefs converts mirage ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []mirage.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Schema()
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
