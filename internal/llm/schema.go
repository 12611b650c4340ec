package llm

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema couples the JSON-schema document sent to the model with the
// compiled validator applied to what comes back.
type Schema struct {
	Name     string
	Raw      []byte
	compiled *jsonschema.Schema
}

// SchemaFor reflects a schema from a Go struct type.
func SchemaFor[T any](name string) (*Schema, error) {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	doc := r.Reflect(&zero)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize schema %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Raw: raw, compiled: compiled}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name string) *Schema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(value any) error {
	if err := s.compiled.Validate(value); err != nil {
		return fmt.Errorf("schema %s: %w", s.Name, err)
	}
	return nil
}
