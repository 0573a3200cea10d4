// Package tools helps MCP servers describe their tools and check the arguments clients call them
// with. Input schemas are reflected from Go structs, so a tool's arguments are declared once:
//
//	type echoArgs struct {
//		Message string `json:"message" jsonschema:"description=Message to echo"`
//	}
//
//	echo, err := tools.New[echoArgs]("echo", "Echoes back the input")
//	...
//	args, err := tools.Decode[echoArgs](echo, params.Arguments)
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	gschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/invopop/jsonschema"
	"github.com/mcpwire/go-mcp"
)

// ErrInvalidArguments is returned, wrapped, when arguments do not satisfy a tool's input schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// New builds a tool descriptor whose input schema is reflected from A, which must be a named struct
// or a pointer to one. Field names follow the json tags, and descriptions, enums and defaults can be
// set through jsonschema tags. Properties not declared on A are rejected by Validate.
func New[A any](name, description string) (mcp.Tool, error) {
	t := reflect.TypeFor[A]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return mcp.Tool{}, fmt.Errorf("tool %s: arguments must be a named struct, got %s", name, t)
	}

	r := &jsonschema.Reflector{
		Anonymous:                 true, // no $id derived from the package path
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: false,
	}
	s := r.ReflectFromType(t)
	if s == nil || s.Type != "object" {
		return mcp.Tool{}, fmt.Errorf("tool %s: arguments must be a struct", name)
	}
	s.Version = ""

	bs, err := json.Marshal(s)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("failed to marshal input schema of %s: %w", name, err)
	}
	return mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: bs,
	}, nil
}

// Must is like New but panics on error. It is meant for package-level tool declarations.
func Must(tool mcp.Tool, err error) mcp.Tool {
	if err != nil {
		panic(err)
	}
	return tool
}

// Validate checks args against the input schema of tool. Missing arguments are validated as an
// empty object.
func Validate(tool mcp.Tool, args json.RawMessage) error {
	var schema gschema.Schema
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		return fmt.Errorf("failed to parse input schema of %s: %w", tool.Name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("failed to resolve input schema of %s: %w", tool.Name, err)
	}

	var instance any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

// Decode validates args against the input schema of tool and unmarshals them into A.
func Decode[A any](tool mcp.Tool, args json.RawMessage) (A, error) {
	var a A
	if err := Validate(tool, args); err != nil {
		return a, err
	}
	if len(args) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return a, nil
}
