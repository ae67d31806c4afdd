package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

var schemaNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ResponseSchema describes the JSON document the model must return and
// validates it into T. It is immutable once built and safe to share.
type ResponseSchema[T any] struct {
	name        string
	description string
	raw         json.RawMessage
	compiled    *gojsonschema.Schema
	check       func(T) error
}

// SchemaOption customises a ResponseSchema.
type SchemaOption[T any] func(*ResponseSchema[T])

// WithCheck adds a semantic check that runs after structural validation.
func WithCheck[T any](fn func(T) error) SchemaOption[T] {
	return func(s *ResponseSchema[T]) { s.check = fn }
}

// NewResponseSchema derives a strict JSON Schema from T's json tags.
// Field descriptions come from `jsonschema:"..."` tags.
func NewResponseSchema[T any](name, description string, opts ...SchemaOption[T]) (*ResponseSchema[T], error) {
	inferred, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("llm: infer schema %q: %w", name, err)
	}
	raw, err := json.Marshal(inferred)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal schema %q: %w", name, err)
	}
	return NewResponseSchemaFromJSON[T](name, description, raw, opts...)
}

// NewResponseSchemaFromJSON uses a hand-written JSON Schema document.
// Object nodes are tightened the same way as inferred schemas.
func NewResponseSchemaFromJSON[T any](name, description string, schema []byte, opts ...SchemaOption[T]) (*ResponseSchema[T], error) {
	if !schemaNamePattern.MatchString(name) {
		return nil, fmt.Errorf("llm: schema name %q must match %s", name, schemaNamePattern)
	}

	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("llm: parse schema %q: %w", name, err)
	}
	delete(doc, "$schema")
	strictify(doc)

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal schema %q: %w", name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("llm: compile schema %q: %w", name, err)
	}

	s := &ResponseSchema[T]{
		name:        name,
		description: description,
		raw:         raw,
		compiled:    compiled,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// MustResponseSchema is like NewResponseSchema but panics on error.
// Intended for package-level schema variables.
func MustResponseSchema[T any](name, description string, opts ...SchemaOption[T]) *ResponseSchema[T] {
	s, err := NewResponseSchema[T](name, description, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *ResponseSchema[T]) Name() string        { return s.name }
func (s *ResponseSchema[T]) Description() string { return s.description }

// JSON returns the strict schema document sent to the provider.
func (s *ResponseSchema[T]) JSON() json.RawMessage {
	out := make(json.RawMessage, len(s.raw))
	copy(out, s.raw)
	return out
}

// Parse validates content against the schema and decodes it into T.
// Every failure is a VALIDATION_ERROR; the raw content is never attached.
func (s *ResponseSchema[T]) Parse(content string) (T, error) {
	var zero T
	data := []byte(content)

	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return zero, validationError("response content is not valid JSON", []FieldError{jsonDiagnostic(err)})
	}

	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return zero, validationError("response content could not be validated", []FieldError{{
			Field: "(root)", Type: "validator", Message: err.Error(),
		}})
	}
	if !result.Valid() {
		diags := make([]FieldError, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			diags = append(diags, FieldError{
				Field:   re.Field(),
				Type:    re.Type(),
				Message: re.Description(),
			})
		}
		return zero, validationError(
			fmt.Sprintf("response does not match schema %q: %d error(s)", s.name, len(diags)),
			diags,
		)
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, validationError(
			fmt.Sprintf("response does not decode into schema %q", s.name),
			[]FieldError{jsonDiagnostic(err)},
		)
	}

	if s.check != nil {
		if err := s.check(out); err != nil {
			return zero, validationError(
				fmt.Sprintf("response failed check for schema %q", s.name),
				[]FieldError{{Field: "(root)", Type: "check", Message: err.Error()}},
			)
		}
	}
	return out, nil
}

func jsonDiagnostic(err error) FieldError {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return FieldError{
			Field:   "(root)",
			Type:    "invalid_json",
			Message: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset),
		}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return FieldError{
			Field:   typeErr.Field,
			Type:    "invalid_type",
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return FieldError{Field: "(root)", Type: "invalid_json", Message: "malformed JSON"}
}

// strictify sets additionalProperties=false and marks every property as
// required on each object node, as strict structured output demands.
func strictify(node map[string]any) {
	if props, ok := node["properties"].(map[string]any); ok {
		keys := make([]string, 0, len(props))
		for k, v := range props {
			keys = append(keys, k)
			if child, ok := v.(map[string]any); ok {
				strictify(child)
			}
		}
		sort.Strings(keys)
		required := make([]any, len(keys))
		for i, k := range keys {
			required[i] = k
		}
		node["required"] = required
		node["additionalProperties"] = false
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictify(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if list, ok := node[key].([]any); ok {
			for _, v := range list {
				if child, ok := v.(map[string]any); ok {
					strictify(child)
				}
			}
		}
	}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := node[key].(map[string]any); ok {
			for _, v := range defs {
				if child, ok := v.(map[string]any); ok {
					strictify(child)
				}
			}
		}
	}
}
