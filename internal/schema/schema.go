// Package schema derives JSON Schemas from Go structs for tool arguments and
// structured model output, and decodes model JSON back into those structs.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/invopop/jsonschema"
)

// Object is the subset of an object schema providers need to rebuild it in
// their own request types.
type Object struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

// Generate reflects T into an inline JSON Schema object. Fields without
// omitempty are required and additional properties are rejected, which is
// what strict structured output expects.
func Generate[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	var zero T
	s := r.Reflect(&zero)
	s.Version = ""
	s.ID = ""

	raw, err := json.Marshal(s)
	if err != nil {
		// Reflected schemas only contain marshalable values.
		panic(fmt.Sprintf("schema: marshal %T: %v", zero, err))
	}
	return raw
}

// Parse splits a generated schema into properties and required names.
func Parse(raw json.RawMessage) (Object, error) {
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Object{}, fmt.Errorf("schema: parse: %w", err)
	}
	if obj.Properties == nil {
		obj.Properties = map[string]any{}
	}
	return obj, nil
}

// DecodeStrict decodes exactly one JSON value into T, rejecting unknown
// fields and trailing data. Models sometimes wrap JSON in a markdown fence;
// the fence is stripped first.
func DecodeStrict[T any](raw string) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewBufferString(stripFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("schema: decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var zero T
		if err == nil {
			return zero, errors.New("schema: decode: multiple JSON values")
		}
		return zero, fmt.Errorf("schema: decode trailing data: %w", err)
	}
	return out, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
