package anthropic

import (
	"encoding/json"

	mirage "github.com/ardelia/mirage"
)

const defaultMaxTokens = 4096

// buildBody converts a mirage ChatRequest into a Messages API body.
// Consecutive tool-result messages collapse into one user message, as
// the API requires all results for a turn in a single message.
func buildBody(req mirage.ChatRequest, model string) messagesRequest {
	body := messagesRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = defaultMaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case mirage.RoleSystem:
			// System prompts ride in the top-level field.
			if body.System == "" {
				body.System = m.Content
			}

		case mirage.RoleAssistant:
			var blocks []wireBlock
			if m.Content != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			body.Messages = append(body.Messages, wireMessage{Role: "assistant", Content: blocks})

		case mirage.RoleTool:
			block := wireBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			// Append to the previous user message when it also carries
			// tool results.
			if n := len(body.Messages); n > 0 && isToolResultMessage(body.Messages[n-1]) {
				body.Messages[n-1].Content = append(body.Messages[n-1].Content, block)
			} else {
				body.Messages = append(body.Messages, wireMessage{Role: "user", Content: []wireBlock{block}})
			}

		default:
			body.Messages = append(body.Messages, wireMessage{
				Role:    "user",
				Content: []wireBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range req.Tools {
		schema := t.Schema()
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	return body
}

func isToolResultMessage(m wireMessage) bool {
	return m.Role == "user" && len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

// parseResponse converts a Messages API response to a mirage ChatResponse.
func parseResponse(resp messagesResponse) mirage.ChatResponse {
	out := mirage.ChatResponse{
		StopReason: mapStopReason(resp.StopReason),
		Usage: mirage.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			out.Content += b.Text
		case "tool_use":
			input := b.Input
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, mirage.ToolCall{ID: b.ID, Name: b.Name, Args: input})
		}
	}
	return out
}

// mapStopReason translates an API stop_reason into the shared vocabulary.
func mapStopReason(reason string) mirage.StopReason {
	switch reason {
	case "tool_use":
		return mirage.StopToolUse
	case "max_tokens":
		return mirage.StopMaxTokens
	default:
		return mirage.StopEndTurn
	}
}
