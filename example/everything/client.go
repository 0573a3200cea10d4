package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcpwire/go-mcp"
)

type progressPrinter struct{}

func (progressPrinter) OnProgress(params mcp.ProgressParams) {
	fmt.Printf("  progress %s: %g/%g %s\n", params.ProgressToken, params.Progress, params.Total, params.Message)
}

func (progressPrinter) OnLog(params mcp.LogParams) {
	fmt.Printf("  server log [%s] %s: %s\n", params.Level, params.Logger, string(params.Data))
}

// runClient connects to the SSE endpoint at url and walks through the server's features.
func runClient(ctx context.Context, url string, logger *slog.Logger) error {
	t := mcp.NewSSEClient(url, http.DefaultClient, mcp.WithTransportLogger(logger))
	cli := mcp.NewClient(mcp.Info{Name: "everything-client", Version: "1.0"}, t,
		mcp.WithClientLogger(logger),
		mcp.WithClientPingInterval(10*time.Second),
		mcp.WithProgressListener(progressPrinter{}),
		mcp.WithLogReceiver(progressPrinter{}),
	)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cli.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cli.Close()

	fmt.Printf("Connected to %s, protocol %s\n", cli.ServerInfo().Name, cli.ProtocolVersion())
	if err := cli.SetLogLevel(ctx, mcp.LogLevelDebug); err != nil {
		return err
	}

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	for _, tool := range tools.Tools {
		fmt.Printf("Tool %s: %s\n", tool.Name, tool.Description)
	}

	calls := []struct {
		name string
		args any
	}{
		{"echo", map[string]any{"message": "hello"}},
		{"add", map[string]any{"a": 2, "b": 3}},
		{"longRunningOperation", map[string]any{"duration": 2, "steps": 4}},
	}
	for _, call := range calls {
		args, _ := json.Marshal(call.args)
		res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: call.name, Arguments: args})
		if err != nil {
			return err
		}
		for _, content := range res.Content {
			fmt.Printf("%s -> %s\n", call.name, content.Text)
		}
	}

	cursor := ""
	for {
		res, err := cli.ListResources(ctx, mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return err
		}
		fmt.Printf("Received %d resources\n", len(res.Resources))
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	return cli.Ping(ctx)
}
