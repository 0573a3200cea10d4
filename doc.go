// Package mcp implements the Model Context Protocol (MCP), a JSON-RPC 2.0 based protocol between
// LLM applications and the servers that provide them with tools, resources and prompts. This
// implementation follows the specification at https://modelcontextprotocol.io/specification/.
//
// The package is layered. Message, Request, Notification and Response model the JSON-RPC
// messages, and Encode, Decode and Classify translate them to and from bytes for a given
// ProtocolVersion. A Transport carries the messages of one session: it correlates responses to
// requests, fans inbound messages out to subscribers and enforces the session Lifecycle, which
// only admits application requests after the initialize handshake. MemoryTransport, StdIO,
// CommandTransport, SSEClient and the transports of SSEServer implement it.
//
// Client and Server build the protocol on top of a Transport. The client side:
//
//	t, err := mcp.NewCommandTransport(exec.Command("my-server"))
//	if err != nil {
//		return err
//	}
//	client := mcp.NewClient(mcp.Info{Name: "my-client", Version: "1.0"}, t)
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
//
// The server side:
//
//	server := mcp.NewServer(mcp.Info{Name: "my-server", Version: "1.0"}, mcp.WithToolServer(myTools))
//	err := server.Serve(ctx, mcp.NewStdIO(os.Stdin, os.Stdout))
package mcp
