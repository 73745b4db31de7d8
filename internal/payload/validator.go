package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Validator checks a mutation payload before it is queued or applied.
type Validator interface {
	Validate(payload json.RawMessage) error
}

// ValidationError carries the schema failure detail; it matches ErrInvalidPayload.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// ObjectValidator accepts any JSON object. It is the default when no schema is configured.
type ObjectValidator struct{}

func (ObjectValidator) Validate(payload json.RawMessage) error {
	_, err := decodeObject(payload)
	return err
}

type SchemaValidator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile builds a validator from an in-memory schema document.
func Compile(name string, doc []byte) (*SchemaValidator, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "payload.schema.json"
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &SchemaValidator{name: name, schema: schema}, nil
}

func CompileFile(path string) (*SchemaValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(path, data)
}

func (v *SchemaValidator) Validate(payload json.RawMessage) error {
	if _, err := decodeObject(payload); err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if err := v.schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Reason: strings.TrimSpace(verr.Error())}
		}
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func (v *SchemaValidator) Name() string {
	return v.name
}

// decodeObject enforces the envelope rule shared by every validator: a
// payload is a single JSON object.
func decodeObject(payload json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &ValidationError{Reason: "payload is empty"}
	}
	if trimmed[0] != '{' {
		return nil, &ValidationError{Reason: "payload must be a json object"}
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return nil, &ValidationError{Reason: "payload is not valid json"}
	}
	return object, nil
}
