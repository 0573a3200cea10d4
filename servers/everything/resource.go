package everything

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/mcpwire/go-mcp"
)

const (
	pageSize      = 10
	resourceCount = 100
)

var resources, resourceContents = genResources()

func genResources() ([]mcp.Resource, map[string]mcp.ResourceContents) {
	var resources []mcp.Resource
	contents := make(map[string]mcp.ResourceContents)

	for i := range resourceCount {
		uri := fmt.Sprintf("test://static/resource/%d", i+1)
		name := fmt.Sprintf("Resource %d", i+1)
		if i%2 == 0 {
			resources = append(resources, mcp.Resource{
				URI:      uri,
				Name:     name,
				MimeType: "text/plain",
			})
			contents[uri] = mcp.ResourceContents{
				URI:      uri,
				MimeType: "text/plain",
				Text:     fmt.Sprintf("Resource %d: This is a plain text resource", i+1),
			}
		} else {
			content := fmt.Sprintf("Resource %d: This is a base64 blob", i+1)
			resources = append(resources, mcp.Resource{
				URI:      uri,
				Name:     name,
				MimeType: "application/octet-stream",
			})
			contents[uri] = mcp.ResourceContents{
				URI:      uri,
				MimeType: "application/octet-stream",
				Blob:     base64.StdEncoding.EncodeToString([]byte(content)),
			}
		}
	}

	return resources, contents
}

// ListResources implements mcp.ResourceServer interface. Resources are paginated ten at a time;
// the cursor is the index of the first resource of the page.
func (s *Server) ListResources(
	_ context.Context,
	params mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
	_ *mcp.ServerSession,
) (mcp.ListResourcesResult, error) {
	s.log(fmt.Sprintf("ListResources: %s", params.Cursor), mcp.LogLevelDebug)

	startIndex := 0
	if params.Cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(params.Cursor)
		if err != nil || startIndex < 0 || startIndex > len(resources) {
			return mcp.ListResourcesResult{}, &mcp.JSONRPCError{
				Code:    mcp.CodeInvalidParams,
				Message: fmt.Sprintf("invalid cursor %q", params.Cursor),
			}
		}
	}
	endIndex := min(startIndex+pageSize, len(resources))

	nextCursor := ""
	if endIndex < len(resources) {
		nextCursor = strconv.Itoa(endIndex)
	}

	return mcp.ListResourcesResult{
		Resources:  resources[startIndex:endIndex],
		NextCursor: nextCursor,
	}, nil
}

// ReadResource implements mcp.ResourceServer interface.
func (s *Server) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
	_ *mcp.ServerSession,
) (mcp.ReadResourceResult, error) {
	s.log(fmt.Sprintf("ReadResource: %s", params.URI), mcp.LogLevelDebug)

	resource, ok := resourceContents[params.URI]
	if !ok {
		return mcp.ReadResourceResult{}, &mcp.JSONRPCError{
			Code:    mcp.CodeInvalidParams,
			Message: "resource not found",
			Data:    map[string]any{"uri": params.URI},
		}
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{resource},
	}, nil
}
