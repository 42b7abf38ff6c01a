package types

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// SchemaType represents JSON Schema types.
type SchemaType string

const (
	SchemaTypeString  SchemaType = "string"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeNull    SchemaType = "null"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// DraftSchemaURI is the $schema written on validation envelopes.
const DraftSchemaURI = "http://json-schema.org/draft-07/schema#"

// JSONSchema is the subset of JSON Schema used by workflow node
// inputs and outputs.
type JSONSchema struct {
	Schema      string `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Type SchemaType `json:"type,omitempty" yaml:"type,omitempty"`

	// Object properties
	Properties           map[string]*JSONSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required             []string               `json:"required,omitempty" yaml:"required,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`

	// Array items
	Items    *JSONSchema `json:"items,omitempty" yaml:"items,omitempty"`
	MinItems *int        `json:"minItems,omitempty" yaml:"minItems,omitempty"`
	MaxItems *int        `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`

	Enum []any `json:"enum,omitempty" yaml:"enum,omitempty"`

	// String constraints
	MinLength *int   `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Numeric constraints
	Minimum *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`

	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// NewObjectSchema creates a new object schema.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{
		Type:       SchemaTypeObject,
		Properties: make(map[string]*JSONSchema),
	}
}

// NewArraySchema creates a new array schema.
func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: SchemaTypeArray, Items: items}
}

// NewStringSchema creates a new string schema.
func NewStringSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeString}
}

// NewIntegerSchema creates a new integer schema.
func NewIntegerSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeInteger}
}

// AddProperty adds a property to an object schema.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired adds required field names.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// WithDescription sets the description.
func (s *JSONSchema) WithDescription(desc string) *JSONSchema {
	s.Description = desc
	return s
}

// InitialValue returns the schema default if present, else the type default.
func (s *JSONSchema) InitialValue() any {
	if s == nil {
		return nil
	}
	if s.Default != nil {
		return s.Default
	}
	return DefaultValue(s.Type)
}

// Clone returns a deep copy of the schema.
func (s *JSONSchema) Clone() *JSONSchema {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out JSONSchema
	if err := json.Unmarshal(data, &out); err != nil {
		return s
	}
	return &out
}

// DefaultValue returns the zero value of a schema type.
func DefaultValue(t SchemaType) any {
	switch t {
	case SchemaTypeString:
		return ""
	case SchemaTypeNumber:
		return 0.0
	case SchemaTypeInteger:
		return int64(0)
	case SchemaTypeBoolean:
		return false
	case SchemaTypeObject:
		return map[string]any{}
	case SchemaTypeArray:
		return []any{}
	default:
		return nil
	}
}

// MatchesType reports whether value's runtime type already satisfies t.
// Integral floats count as integers since decoded JSON carries float64.
func MatchesType(t SchemaType, value any) bool {
	switch t {
	case SchemaTypeString:
		_, ok := value.(string)
		return ok
	case SchemaTypeNumber:
		_, ok := ToFloat64(value)
		return ok
	case SchemaTypeInteger:
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case SchemaTypeBoolean:
		_, ok := value.(bool)
		return ok
	case SchemaTypeObject:
		_, ok := value.(map[string]any)
		return ok
	case SchemaTypeArray:
		_, ok := value.([]any)
		return ok
	case SchemaTypeNull:
		return value == nil
	}
	return false
}

// ToFloat64 converts a numeric value to float64.
func ToFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// FromJSON deserializes a schema from JSON.
func FromJSON(data []byte) (*JSONSchema, error) {
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON schema: %w", err)
	}
	return &schema, nil
}
