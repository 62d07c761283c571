package conditions

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// buildJSONSchema compiles the "schema" param into a validator over the
// request body. A request with no body, an unreadable body, or a body that is
// not valid JSON does not satisfy the condition.
func (e *Engine) buildJSONSchema(spec Spec, _ CompileFunc) (Predicate, error) {
	raw, ok := spec["schema"]
	if !ok {
		return nil, fmt.Errorf("schema param is required")
	}

	// Round-trip through JSON so YAML-decoded params become a schema doc.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if e.schemaLoader != nil {
		compiler.UseLoader(e.schemaLoader)
	}
	if err := compiler.AddResource("inline.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return func(req *Request) bool {
		body, err := req.Body()
		if err != nil || len(body) == 0 {
			return false
		}
		value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
		if err != nil {
			return false
		}
		return schema.Validate(value) == nil
	}, nil
}
