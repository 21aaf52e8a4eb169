package tools

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// emptyObject is used for tools declared without parameters.
var emptyObject = map[string]any{"type": "object", "properties": map[string]any{}}

// schemaValidator holds one compiled schema per tool. It is filled while
// the registry is built and only read afterwards.
type schemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{schemas: make(map[string]*gojsonschema.Schema)}
}

// compile checks the schema and stores it under name.
func (sv *schemaValidator) compile(name string, params map[string]any) error {
	if params == nil {
		params = emptyObject
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("tools: invalid schema for %s: %w", name, err)
	}
	sv.schemas[name] = schema
	return nil
}

// validate checks args against the schema registered for name.
func (sv *schemaValidator) validate(name string, args map[string]any) error {
	schema, ok := sv.schemas[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}
