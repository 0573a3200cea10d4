package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
const JSONRPCVersion = "2.0"

// wireMessage is the JSON-RPC envelope as it appears on the wire.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *MustString     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// envelope holds the top-level members of an inbound message after classification.
type envelope struct {
	kind   MessageKind
	method string
	fields map[string]json.RawMessage
}

// Encode serialises msg as JSON-RPC 2.0 text. The protocol version only shapes version-sensitive
// payloads, such as the capabilities exchanged during initialization; the envelope is identical for
// every version.
func Encode(msg Message, version ProtocolVersion) ([]byte, error) {
	rules := rulesFor(version)
	w := wireMessage{JSONRPC: JSONRPCVersion}

	switch m := msg.(type) {
	case Request:
		if m.Method == "" {
			return nil, &ParseError{Reason: "request without method"}
		}
		id := m.ID
		w.ID = &id
		w.Method = m.Method
		params, err := rules.shapeParams(m.Method, m.Params)
		if err != nil {
			return nil, err
		}
		w.Params = params
	case Notification:
		if m.Method == "" {
			return nil, &ParseError{Reason: "notification without method"}
		}
		w.Method = m.Method
		w.Params = m.Params
	case Response:
		if (m.Error == nil) == (len(m.Result) == 0) {
			return nil, &ParseError{Reason: "response must carry exactly one of result or error"}
		}
		id := m.ID
		w.ID = &id
		w.Error = m.Error
		if m.Error == nil {
			result, err := rules.shapeResult(m.Result)
			if err != nil {
				return nil, err
			}
			w.Result = result
		}
	case nil:
		return nil, &ParseError{Reason: "nil message"}
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported message type %T", msg)}
	}

	bs, err := json.Marshal(w)
	if err != nil {
		return nil, &ParseError{Reason: "marshal envelope", Err: err}
	}
	return bs, nil
}

// Classify determines whether data is a request, a notification or a response without decoding the
// payload members. A missing or wrong "jsonrpc" marker, and shapes that fit none or more than one
// kind, are reported as *ParseError.
func Classify(data []byte) (MessageKind, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return 0, err
	}
	return env.kind, nil
}

// Decode classifies data and parses it into a Request, Notification or Response. Version-sensitive
// payloads are shaped with the rules of version, so members the version does not know are dropped.
func Decode(data []byte, version ProtocolVersion) (Message, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	rules := rulesFor(version)

	switch env.kind {
	case KindRequest:
		id, err := env.id()
		if err != nil {
			return nil, err
		}
		params, err := rules.shapeParams(env.method, env.member("params"))
		if err != nil {
			return nil, err
		}
		return Request{ID: id, Method: env.method, Params: params}, nil
	case KindNotification:
		return Notification{Method: env.method, Params: env.member("params")}, nil
	default:
		id, err := env.id()
		if err != nil {
			return nil, err
		}
		resp := Response{ID: id}
		if raw, ok := env.fields["error"]; ok && !isNull(raw) {
			var jErr JSONRPCError
			if err := json.Unmarshal(raw, &jErr); err != nil {
				return nil, &ParseError{Reason: "invalid error member", Err: err}
			}
			resp.Error = &jErr
			return resp, nil
		}
		result, err := rules.shapeResult(env.fields["result"])
		if err != nil {
			return nil, err
		}
		resp.Result = result
		return resp, nil
	}
}

func parseEnvelope(data []byte) (envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return envelope{}, &ParseError{Reason: "invalid json", Err: err}
	}
	if fields == nil {
		return envelope{}, &ParseError{Reason: "message is not an object"}
	}

	var marker string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &marker) != nil || marker != JSONRPCVersion {
		return envelope{}, &ParseError{Reason: `missing or unsupported "jsonrpc" marker`}
	}

	env := envelope{fields: fields}

	rawMethod, hasMethod := present(fields, "method")
	rawID, hasID := present(fields, "id")
	_, hasResult := fields["result"]
	_, hasError := present(fields, "error")

	if hasID && !validID(rawID) {
		return envelope{}, &ParseError{Reason: "id must be a string or a number"}
	}

	if hasMethod {
		if err := json.Unmarshal(rawMethod, &env.method); err != nil || env.method == "" {
			return envelope{}, &ParseError{Reason: "method must be a non-empty string"}
		}
		if hasResult || hasError {
			return envelope{}, &ParseError{Reason: "message carries both a method and a result or error"}
		}
		if hasID {
			env.kind = KindRequest
		} else {
			env.kind = KindNotification
		}
		return env, nil
	}

	switch {
	case !hasID:
		return envelope{}, &ParseError{Reason: "message has neither method nor id"}
	case hasResult && hasError:
		return envelope{}, &ParseError{Reason: "response carries both result and error"}
	case !hasResult && !hasError:
		return envelope{}, &ParseError{Reason: "response carries neither result nor error"}
	}
	env.kind = KindResponse
	return env, nil
}

func (e envelope) id() (MustString, error) {
	var id MustString
	if err := json.Unmarshal(e.fields["id"], &id); err != nil {
		return "", &ParseError{Reason: "invalid id", Err: err}
	}
	return id, nil
}

// member returns the raw member named key, or nil if it is absent or null.
func (e envelope) member(key string) json.RawMessage {
	raw, ok := present(e.fields, key)
	if !ok {
		return nil
	}
	return raw
}

func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	}
	return false
}
