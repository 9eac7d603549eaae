// Package schema validates documents against a collection's JSON Schema
// (spec §4.5: collections may declare a schema; insert/update validate
// against it, rejecting with the first violating field path).
package schema

import (
	"bytes"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/solidb-io/solidb/internal/engerr"
	"github.com/solidb-io/solidb/internal/types"
)

// Validator wraps one compiled JSON Schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile parses raw as a JSON Schema document scoped to resourceName
// (used only to give the compiler a stable resource identity; it has no
// meaning outside this call). A malformed schema surfaces as a Parse
// error, matching how the document store reports a bad query or schema
// definition elsewhere.
func Compile(resourceName string, raw []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, bytesReader(raw)); err != nil {
		return nil, engerr.New(engerr.KindParse, "compile schema %s: %v", resourceName, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, engerr.New(engerr.KindParse, "compile schema %s: %v", resourceName, err)
	}
	return &Validator{schema: compiled}, nil
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// Validate checks doc against the schema. On failure it returns a
// SchemaFail error naming the first (innermost) violating field path.
func (v *Validator) Validate(doc types.Document) error {
	instance := toJSONValue(doc)
	if err := v.schema.Validate(instance); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return engerr.New(engerr.KindSchemaFail, "%s: %s", fieldPath(verr), leaf(verr).Message)
		}
		return engerr.New(engerr.KindSchemaFail, "%v", err)
	}
	return nil
}

func fieldPath(verr *jsonschema.ValidationError) string {
	loc := leaf(verr).InstanceLocation
	if loc == "" {
		return "(document)"
	}
	return loc
}

func leaf(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}

// toJSONValue converts the engine's internal numeric representation
// (int64 for whole numbers, per internal/codec's normalization) into the
// plain float64/string/bool/map/slice tree jsonschema.Schema.Validate
// expects, the same shape encoding/json.Unmarshal would have produced.
func toJSONValue(v any) any {
	switch vv := v.(type) {
	case types.Document:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = toJSONValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = toJSONValue(e)
		}
		return out
	case int64:
		return float64(vv)
	case int:
		return float64(vv)
	default:
		return vv
	}
}
