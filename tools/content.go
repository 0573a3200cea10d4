package tools

import (
	"encoding/base64"
	"fmt"

	"github.com/mcpwire/go-mcp"
)

// Text returns a text content block.
func Text(text string) mcp.Content {
	return mcp.Content{Type: mcp.ContentTypeText, Text: text}
}

// Image returns an image content block holding data base64 encoded.
func Image(data []byte, mimeType string) mcp.Content {
	return mcp.Content{
		Type:     mcp.ContentTypeImage,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}

// Audio returns an audio content block holding data base64 encoded.
func Audio(data []byte, mimeType string) mcp.Content {
	return mcp.Content{
		Type:     mcp.ContentTypeAudio,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}

// EmbeddedResource returns a content block embedding the contents of a resource.
func EmbeddedResource(contents mcp.ResourceContents) mcp.Content {
	return mcp.Content{Type: mcp.ContentTypeResource, Resource: &contents}
}

// Result returns a successful tool result with the given content blocks.
func Result(content ...mcp.Content) mcp.CallToolResult {
	if content == nil {
		content = []mcp.Content{}
	}
	return mcp.CallToolResult{Content: content}
}

// Errorf returns a tool result reporting a failure of the tool to the model.
func Errorf(format string, args ...any) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{Text(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}
