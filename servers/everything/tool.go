package everything

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/mcpwire/go-mcp"
	"github.com/mcpwire/go-mcp/tools"
)

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First number"`
	B float64 `json:"b" jsonschema:"description=Second number"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration,omitempty" jsonschema:"description=Duration of the operation in seconds,default=10"`
	Steps    int     `json:"steps,omitempty" jsonschema:"description=Number of steps in the operation,default=5"`
}

// TinyImageArgs is the arguments for the getTinyImage tool.
type TinyImageArgs struct{}

var (
	echoTool                 = tools.Must(tools.New[EchoArgs]("echo", "Echoes back the input"))
	addTool                  = tools.Must(tools.New[AddArgs]("add", "Adds two numbers"))
	longRunningOperationTool = tools.Must(tools.New[LongRunningOperationArgs]("longRunningOperation",
		"Demonstrates a long running operation with progress updates"))
	tinyImageTool = tools.Must(tools.New[TinyImageArgs]("getTinyImage", "Returns a tiny PNG image"))

	toolList = []mcp.Tool{echoTool, addTool, longRunningOperationTool, tinyImageTool}
)

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	*mcp.ServerSession,
) (mcp.ListToolsResult, error) {
	s.log("ListTools", mcp.LogLevelDebug)

	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
	_ *mcp.ServerSession,
) (mcp.CallToolResult, error) {
	s.log(fmt.Sprintf("CallTool: %s", params.Name), mcp.LogLevelDebug)

	switch params.Name {
	case echoTool.Name:
		args, err := tools.Decode[EchoArgs](echoTool, params.Arguments)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return tools.Result(tools.Text(args.Message)), nil
	case addTool.Name:
		args, err := tools.Decode[AddArgs](addTool, params.Arguments)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return tools.Result(tools.Text(fmt.Sprintf("The sum of %g and %g is %g", args.A, args.B, args.A+args.B))), nil
	case longRunningOperationTool.Name:
		args, err := tools.Decode[LongRunningOperationArgs](longRunningOperationTool, params.Arguments)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return s.callLongRunningOperation(ctx, args, progress)
	case tinyImageTool.Name:
		img, err := tinyImage()
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return tools.Result(tools.Text("This is a tiny image:"), tools.Image(img, "image/png")), nil
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func (s *Server) callLongRunningOperation(
	ctx context.Context,
	args LongRunningOperationArgs,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if args.Duration == 0 {
		args.Duration = 10
	}
	if args.Steps <= 0 {
		args.Steps = 5
	}
	stepDuration := time.Duration(args.Duration * float64(time.Second) / float64(args.Steps))

	timer := time.NewTimer(stepDuration)
	defer timer.Stop()

	for i := range args.Steps {
		select {
		case <-timer.C:
			timer.Reset(stepDuration)
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-s.done:
			return mcp.CallToolResult{}, fmt.Errorf("server closed")
		}

		progress(mcp.ProgressParams{
			Progress: float64(i + 1),
			Total:    float64(args.Steps),
			Message:  fmt.Sprintf("step %d of %d", i+1, args.Steps),
		})
	}

	return tools.Result(tools.Text(fmt.Sprintf(
		"Long running operation completed. Duration: %g seconds, Steps: %d", args.Duration, args.Steps))), nil
}

func tinyImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := range 2 {
		for y := range 2 {
			img.Set(x, y, color.RGBA{R: 0x4f, G: 0x46, B: 0xe5, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
