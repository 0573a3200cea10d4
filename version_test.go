package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/mcpwire/go-mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	for _, v := range mcp.SupportedProtocolVersions() {
		assert.Equal(t, v, mcp.Negotiate(v), "supported version %s must be kept", v)
	}
	assert.Equal(t, mcp.LatestProtocolVersion, mcp.Negotiate("1999-01-01"))
	assert.Equal(t, mcp.LatestProtocolVersion, mcp.Negotiate(""))
}

func TestSupportedProtocolVersionsOrdered(t *testing.T) {
	versions := mcp.SupportedProtocolVersions()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Less(t, versions[i-1], versions[i])
	}
	assert.Equal(t, mcp.LatestProtocolVersion, versions[len(versions)-1])

	// The returned slice is a copy.
	versions[0] = "mutated"
	assert.Equal(t, mcp.ProtocolVersion20241105, mcp.SupportedProtocolVersions()[0])
}

func TestEncodeShapesInitializeResult(t *testing.T) {
	result := json.RawMessage(`{
		"protocolVersion":"2024-11-05",
		"capabilities":{"tools":{"listChanged":true},"completions":{}},
		"serverInfo":{"name":"s","version":"1","title":"Server","websiteUrl":"https://example.com"}
	}`)

	type testCase struct {
		version          mcp.ProtocolVersion
		wantCapabilities []string
		wantInfo         []string
	}

	testCases := []testCase{
		{
			version:          mcp.ProtocolVersion20241105,
			wantCapabilities: []string{"tools"},
			wantInfo:         []string{"name", "version"},
		},
		{
			version:          mcp.ProtocolVersion20250326,
			wantCapabilities: []string{"completions", "tools"},
			wantInfo:         []string{"name", "version"},
		},
		{
			version:          mcp.ProtocolVersion20250618,
			wantCapabilities: []string{"completions", "tools"},
			wantInfo:         []string{"name", "title", "version"},
		},
		{
			version:          mcp.ProtocolVersion20251125,
			wantCapabilities: []string{"completions", "tools"},
			wantInfo:         []string{"name", "title", "version", "websiteUrl"},
		},
	}

	for _, tc := range testCases {
		t.Run(string(tc.version), func(t *testing.T) {
			bs, err := mcp.Encode(mcp.Response{ID: "1", Result: result}, tc.version)
			require.NoError(t, err)

			var envelope struct {
				Result struct {
					Capabilities map[string]json.RawMessage `json:"capabilities"`
					ServerInfo   map[string]json.RawMessage `json:"serverInfo"`
				} `json:"result"`
			}
			require.NoError(t, json.Unmarshal(bs, &envelope))
			assert.ElementsMatch(t, tc.wantCapabilities, keys(envelope.Result.Capabilities))
			assert.ElementsMatch(t, tc.wantInfo, keys(envelope.Result.ServerInfo))
		})
	}
}

func TestDecodeShapesInitializeRequest(t *testing.T) {
	data := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{
		"protocolVersion":"2024-11-05",
		"clientInfo":{"name":"c","version":"1","title":"Client"},
		"capabilities":{"roots":{"listChanged":true},"elicitation":{}}
	}}`

	msg, err := mcp.Decode([]byte(data), mcp.ProtocolVersion20241105)
	require.NoError(t, err)
	req, ok := msg.(mcp.Request)
	require.True(t, ok)

	var params struct {
		ClientInfo   map[string]json.RawMessage `json:"clientInfo"`
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.ElementsMatch(t, []string{"name", "version"}, keys(params.ClientInfo))
	assert.ElementsMatch(t, []string{"roots"}, keys(params.Capabilities))
}

func TestShapingLeavesOtherPayloadsUntouched(t *testing.T) {
	result := json.RawMessage(`{"tools":[{"name":"echo","title":"Echo","inputSchema":{"type":"object"}}]}`)

	bs, err := mcp.Encode(mcp.Response{ID: "1", Result: result}, mcp.ProtocolVersion20241105)
	require.NoError(t, err)

	msg, err := mcp.Decode(bs, mcp.ProtocolVersion20241105)
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(msg.(mcp.Response).Result))
}

func TestSetProtocolVersion(t *testing.T) {
	a, b := mcp.NewMemoryTransports(mcp.WithInitialProtocolVersion(mcp.ProtocolVersion20250326))
	t.Cleanup(func() { _ = a.Stop() })

	assert.Equal(t, mcp.ProtocolVersion20250326, a.ProtocolVersion())
	assert.Equal(t, mcp.ProtocolVersion20250326, b.ProtocolVersion())

	require.NoError(t, a.SetProtocolVersion(mcp.ProtocolVersion20241105))
	assert.Equal(t, mcp.ProtocolVersion20241105, a.ProtocolVersion())

	err := a.SetProtocolVersion("1999-01-01")
	require.ErrorIs(t, err, mcp.ErrUnsupportedProtocolVersion)
	assert.Equal(t, mcp.ProtocolVersion20241105, a.ProtocolVersion())
}

func keys[V any](m map[string]V) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}
