package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ProtocolVersion is a dated MCP protocol revision, such as "2025-06-18".
type ProtocolVersion string

// Protocol versions known to this package, oldest first.
const (
	ProtocolVersion20241105 ProtocolVersion = "2024-11-05"
	ProtocolVersion20250326 ProtocolVersion = "2025-03-26"
	ProtocolVersion20250618 ProtocolVersion = "2025-06-18"
	ProtocolVersion20251125 ProtocolVersion = "2025-11-25"

	// LatestProtocolVersion is proposed by clients and used by servers when the client asks for a
	// version they do not support.
	LatestProtocolVersion = ProtocolVersion20251125
)

// versionRules lists the members of version-sensitive payloads that a protocol version understands.
// Members outside these lists are stripped on encode and decode.
type versionRules struct {
	clientCapabilities []string
	serverCapabilities []string
	implementation     []string
}

var (
	rules20241105 = versionRules{
		clientCapabilities: []string{"experimental", "roots", "sampling"},
		serverCapabilities: []string{"experimental", "logging", "prompts", "resources", "tools"},
		implementation:     []string{"name", "version"},
	}
	rules20250326 = versionRules{
		clientCapabilities: rules20241105.clientCapabilities,
		serverCapabilities: append(slices.Clone(rules20241105.serverCapabilities), "completions"),
		implementation:     rules20241105.implementation,
	}
	rules20250618 = versionRules{
		clientCapabilities: append(slices.Clone(rules20250326.clientCapabilities), "elicitation"),
		serverCapabilities: rules20250326.serverCapabilities,
		implementation:     append(slices.Clone(rules20250326.implementation), "title"),
	}
	rules20251125 = versionRules{
		clientCapabilities: rules20250618.clientCapabilities,
		serverCapabilities: rules20250618.serverCapabilities,
		implementation:     append(slices.Clone(rules20250618.implementation), "icons", "websiteUrl"),
	}

	// versionTable is the single place that knows about protocol versions. Supporting a new
	// version means adding an entry here and to supportedProtocolVersions.
	versionTable = map[ProtocolVersion]versionRules{
		ProtocolVersion20241105: rules20241105,
		ProtocolVersion20250326: rules20250326,
		ProtocolVersion20250618: rules20250618,
		ProtocolVersion20251125: rules20251125,
	}

	supportedProtocolVersions = []ProtocolVersion{
		ProtocolVersion20241105,
		ProtocolVersion20250326,
		ProtocolVersion20250618,
		ProtocolVersion20251125,
	}
)

// SupportedProtocolVersions returns the supported protocol versions, oldest first.
func SupportedProtocolVersions() []ProtocolVersion {
	return slices.Clone(supportedProtocolVersions)
}

// Supported reports whether v is in the supported version table.
func (v ProtocolVersion) Supported() bool {
	_, ok := versionTable[v]
	return ok
}

// Negotiate returns the version a server answers with when a client requests requested: the
// requested version if it is supported, otherwise the latest supported version. The client decides
// whether it can live with the answer.
func Negotiate(requested ProtocolVersion) ProtocolVersion {
	if requested.Supported() {
		return requested
	}
	return LatestProtocolVersion
}

func rulesFor(v ProtocolVersion) versionRules {
	if r, ok := versionTable[v]; ok {
		return r
	}
	return versionTable[LatestProtocolVersion]
}

// shapeParams strips members unknown to the version from initialize request params.
func (r versionRules) shapeParams(method string, params json.RawMessage) (json.RawMessage, error) {
	if method != methodInitialize || len(params) == 0 {
		return params, nil
	}
	return r.shape(params, "clientInfo", r.clientCapabilities)
}

// shapeResult strips members unknown to the version from an initialize result. Other results are
// returned untouched.
func (r versionRules) shapeResult(result json.RawMessage) (json.RawMessage, error) {
	if len(result) == 0 || result[0] != '{' {
		return result, nil
	}
	return r.shape(result, "serverInfo", r.serverCapabilities)
}

// shape returns payload unchanged unless it holds an info or capabilities member with keys the
// version does not allow, so payloads that are already valid for the version keep their exact bytes.
func (r versionRules) shape(payload json.RawMessage, infoKey string, capabilityKeys []string) (json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(payload, &members); err != nil {
		// Not an object payload; nothing to shape.
		return payload, nil
	}
	if _, ok := members["protocolVersion"]; !ok {
		return payload, nil
	}
	if _, ok := members[infoKey]; !ok {
		return payload, nil
	}

	changed := false
	for key, allowed := range map[string][]string{infoKey: r.implementation, "capabilities": capabilityKeys} {
		raw, ok := members[key]
		if !ok {
			continue
		}
		stripped, removed, err := stripUnknown(raw, allowed)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid %s member", key), Err: err}
		}
		if removed {
			members[key] = stripped
			changed = true
		}
	}
	if !changed {
		return payload, nil
	}

	shaped, err := json.Marshal(members)
	if err != nil {
		return nil, &ParseError{Reason: "marshal shaped payload", Err: err}
	}
	return shaped, nil
}

func stripUnknown(raw json.RawMessage, allowed []string) (json.RawMessage, bool, error) {
	if isNull(raw) {
		return raw, false, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false, err
	}
	removed := false
	for key := range obj {
		if !slices.Contains(allowed, key) {
			delete(obj, key)
			removed = true
		}
	}
	if !removed {
		return raw, false, nil
	}
	bs, err := json.Marshal(obj)
	if err != nil {
		return nil, false, err
	}
	return bs, true, nil
}
