package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchema returns the JSON Schema object describing the action's
// parameters.  It is also what the MCP surface advertises per tool.
func (d Descriptor) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		typ := p.Type
		if typ == "" {
			typ = TypeString
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if typ == TypeString && p.Required {
			prop["minLength"] = 1
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(d Descriptor) (*jsonschema.Schema, error) {
	for _, p := range d.Parameters {
		switch p.Type {
		case "", TypeString, TypeInteger, TypeBoolean:
		default:
			return nil, fmt.Errorf("parameter %q: unsupported type %q", p.Name, p.Type)
		}
	}
	raw, err := json.Marshal(d.JSONSchema())
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("kanri://actions/"+d.Name+".json", string(raw))
}

// coerce converts string parameters into the JSON values the schema expects.
// Values that do not parse are left as strings so the schema reports them.
func coerce(d Descriptor, params map[string]string) map[string]any {
	types := make(map[string]string, len(d.Parameters))
	for _, p := range d.Parameters {
		types[p.Name] = p.Type
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		switch types[k] {
		case TypeInteger:
			if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				out[k] = json.Number(strings.TrimSpace(v))
				continue
			}
		case TypeBoolean:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				out[k] = b
				continue
			}
		}
		out[k] = v
	}
	return out
}

func validate(d Descriptor, schema *jsonschema.Schema, params map[string]string) error {
	err := schema.Validate(coerce(d, params))
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(leafMessages(ve), "; "))
}

// leafMessages flattens a validation error tree into its most specific
// messages, prefixed with the offending parameter when there is one.
func leafMessages(ve *jsonschema.ValidationError) []string {
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc != "" {
				msgs = append(msgs, loc+": "+e.Message)
			} else {
				msgs = append(msgs, e.Message)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(msgs)
	return msgs
}
