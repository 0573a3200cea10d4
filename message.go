package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MustString is a type that enforces string representation for fields that can be either string or
// integer on the wire, such as request IDs and progress tokens. Numbers are normalised to their decimal
// form on decode, and the value is always encoded as a JSON string.
type MustString string

// Message is a decoded JSON-RPC 2.0 message. It is implemented by Request, Notification and Response
// only; use a type switch to handle the concrete kinds.
type Message interface {
	// Kind reports which of the three JSON-RPC shapes the message has.
	Kind() MessageKind

	message()
}

// MessageKind classifies a JSON-RPC message.
type MessageKind int

// Request is a JSON-RPC call that expects exactly one Response with the same ID.
type Request struct {
	ID     MustString
	Method string
	Params json.RawMessage
}

// Notification is a one-way JSON-RPC message. It has no ID and never receives a response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response answers the Request with the same ID. Exactly one of Result and Error is set.
type Response struct {
	ID     MustString
	Result json.RawMessage
	Error  *JSONRPCError
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data any `json:"data,omitempty"`
}

// Kinds of JSON-RPC messages.
const (
	KindRequest MessageKind = iota + 1
	KindNotification
	KindResponse
)

// Standard JSON-RPC error codes, plus the lifecycle violation code used when a request arrives in a
// state that does not admit it.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeLifecycleViolation = -32002
)

// NewRequest builds a request for method with params marshalled to JSON. A nil params leaves the
// params member out. The ID is left empty so SendRequest assigns a fresh one.
func NewRequest(method string, params any) (Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Request{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return Request{Method: method, Params: raw}, nil
}

// NewNotification builds a notification for method with params marshalled to JSON.
func NewNotification(method string, params any) (Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return Notification{Method: method, Params: raw}, nil
}

// NewResultResponse builds a successful response for id. A nil result is encoded as an empty object.
func NewResultResponse(id MustString, result any) (Response, error) {
	if result == nil {
		return Response{ID: id, Result: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id MustString, code int, message string, data any) Response {
	return Response{ID: id, Error: &JSONRPCError{Code: code, Message: message, Data: data}}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(params)
}

// Kind implements Message.
func (Request) Kind() MessageKind { return KindRequest }

// Kind implements Message.
func (Notification) Kind() MessageKind { return KindNotification }

// Kind implements Message.
func (Response) Kind() MessageKind { return KindResponse }

func (Request) message()      {}
func (Notification) message() {}
func (Response) message()     {}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

func (j *JSONRPCError) Error() string {
	if j.Data != nil {
		return fmt.Sprintf("request error, code: %d, message: %s, data: %v", j.Code, j.Message, j.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			*m = MustString(strconv.FormatInt(i, 10))
			return nil
		}
		*m = MustString(v.String())
	default:
		return fmt.Errorf("invalid type for string or number: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}
