package everything

import (
	"context"
	"fmt"

	"github.com/mcpwire/go-mcp"
)

var promptList = []mcp.Prompt{
	{
		Name:        "simple_prompt",
		Description: "A prompt without arguments",
	},
	{
		Name:        "complex_prompt",
		Description: "A prompt with arguments",
		Arguments: []mcp.PromptArgument{
			{Name: "temperature", Description: "Temperature setting", Required: true},
			{Name: "style", Description: "Output style"},
		},
	},
}

// ListPrompts implements mcp.PromptServer interface.
func (s *Server) ListPrompts(
	context.Context,
	mcp.ListPromptsParams,
	mcp.ProgressReporter,
	*mcp.ServerSession,
) (mcp.ListPromptResult, error) {
	s.log("ListPrompts", mcp.LogLevelDebug)

	return mcp.ListPromptResult{Prompts: promptList}, nil
}

// GetPrompt implements mcp.PromptServer interface.
func (s *Server) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
	_ *mcp.ServerSession,
) (mcp.GetPromptResult, error) {
	s.log(fmt.Sprintf("GetPrompt: %s", params.Name), mcp.LogLevelDebug)

	switch params.Name {
	case "simple_prompt":
		return mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{
				{
					Role:    mcp.RoleUser,
					Content: mcp.Content{Type: mcp.ContentTypeText, Text: "This is a simple prompt without arguments."},
				},
			},
		}, nil
	case "complex_prompt":
		temperature, ok := params.Arguments["temperature"]
		if !ok {
			return mcp.GetPromptResult{}, &mcp.JSONRPCError{
				Code:    mcp.CodeInvalidParams,
				Message: "missing required argument: temperature",
			}
		}
		style := params.Arguments["style"]
		return mcp.GetPromptResult{
			Description: "A prompt with arguments",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.Content{
						Type: mcp.ContentTypeText,
						Text: fmt.Sprintf("This is a complex prompt with arguments: temperature=%s, style=%s", temperature, style),
					},
				},
				{
					Role:    mcp.RoleAssistant,
					Content: mcp.Content{Type: mcp.ContentTypeText, Text: "I understand. You've provided a complex prompt."},
				},
			},
		}, nil
	default:
		return mcp.GetPromptResult{}, &mcp.JSONRPCError{
			Code:    mcp.CodeInvalidParams,
			Message: fmt.Sprintf("prompt not found: %s", params.Name),
		}
	}
}
