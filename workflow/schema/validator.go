// Package schema validates node values against the JSON Schema subset
// declared in workflow protocols.
package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/types"
)

// Validator validates decoded values against a JSONSchema.
type Validator interface {
	Validate(value any, schema *types.JSONSchema) error
}

// FieldError is one validation failure with its field path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("Field: %s, Error: %s", e.Path, e.Message)
}

// ValidationErrors collects every field error of one validation pass.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// Error joins field errors with ";".
func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Errors))
	for i := range e.Errors {
		msgs = append(msgs, e.Errors[i].Error())
	}
	return strings.Join(msgs, ";")
}

// DefaultValidator is the default implementation of Validator.
type DefaultValidator struct{}

// NewValidator creates a new DefaultValidator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// ValidateJSON decodes data and validates it.
func (v *DefaultValidator) ValidateJSON(data []byte, schema *types.JSONSchema) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return &ValidationErrors{Errors: []FieldError{{Message: fmt.Sprintf("invalid JSON: %v", err)}}}
	}
	return v.Validate(value, schema)
}

// Validate validates a decoded value against schema.
func (v *DefaultValidator) Validate(value any, schema *types.JSONSchema) error {
	if schema == nil {
		return nil
	}
	var errs []FieldError
	v.validateValue(value, schema, "", &errs)
	if len(errs) > 0 {
		return &ValidationErrors{Errors: errs}
	}
	return nil
}

func (v *DefaultValidator) validateValue(value any, schema *types.JSONSchema, path string, errs *[]FieldError) {
	if schema == nil {
		return
	}

	if len(schema.Enum) > 0 {
		found := false
		for _, enumVal := range schema.Enum {
			if equalValues(value, enumVal) {
				found = true
				break
			}
		}
		if !found {
			*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("value must be one of: %v", schema.Enum)})
		}
	}

	switch schema.Type {
	case types.SchemaTypeString:
		v.validateString(value, schema, path, errs)
	case types.SchemaTypeNumber, types.SchemaTypeInteger:
		v.validateNumber(value, schema, path, errs)
	case types.SchemaTypeBoolean, types.SchemaTypeNull:
		if !types.MatchesType(schema.Type, value) {
			*errs = append(*errs, typeError(path, schema.Type, value))
		}
	case types.SchemaTypeObject:
		v.validateObject(value, schema, path, errs)
	case types.SchemaTypeArray:
		v.validateArray(value, schema, path, errs)
	}
}

func (v *DefaultValidator) validateString(value any, schema *types.JSONSchema, path string, errs *[]FieldError) {
	str, ok := value.(string)
	if !ok {
		*errs = append(*errs, typeError(path, schema.Type, value))
		return
	}
	n := len([]rune(str))
	if schema.MinLength != nil && n < *schema.MinLength {
		*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("string length %d is less than minimum %d", n, *schema.MinLength)})
	}
	if schema.MaxLength != nil && n > *schema.MaxLength {
		*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("string length %d exceeds maximum %d", n, *schema.MaxLength)})
	}
	if schema.Pattern != "" {
		matched, err := regexp.MatchString(schema.Pattern, str)
		switch {
		case err != nil:
			*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("invalid pattern %q: %v", schema.Pattern, err)})
		case !matched:
			*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("string does not match pattern %q", schema.Pattern)})
		}
	}
}

func (v *DefaultValidator) validateNumber(value any, schema *types.JSONSchema, path string, errs *[]FieldError) {
	if _, isBool := value.(bool); isBool || !types.MatchesType(schema.Type, value) {
		*errs = append(*errs, typeError(path, schema.Type, value))
		return
	}
	num, _ := types.ToFloat64(value)
	if schema.Minimum != nil && num < *schema.Minimum {
		*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("value %v is less than minimum %v", num, *schema.Minimum)})
	}
	if schema.Maximum != nil && num > *schema.Maximum {
		*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("value %v exceeds maximum %v", num, *schema.Maximum)})
	}
}

func (v *DefaultValidator) validateObject(value any, schema *types.JSONSchema, path string, errs *[]FieldError) {
	obj, ok := value.(map[string]any)
	if !ok {
		*errs = append(*errs, typeError(path, schema.Type, value))
		return
	}

	for _, req := range schema.Required {
		if _, exists := obj[req]; !exists {
			*errs = append(*errs, FieldError{Path: joinPath(path, req), Message: "required field is missing"})
		}
	}

	// 按字段名排序，保证错误信息稳定
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		propPath := joinPath(path, name)
		if propSchema, ok := schema.Properties[name]; ok {
			v.validateValue(obj[name], propSchema, propPath, errs)
		} else if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
			*errs = append(*errs, FieldError{Path: propPath, Message: "additional property not allowed"})
		}
	}
}

func (v *DefaultValidator) validateArray(value any, schema *types.JSONSchema, path string, errs *[]FieldError) {
	arr, ok := value.([]any)
	if !ok {
		*errs = append(*errs, typeError(path, schema.Type, value))
		return
	}
	if schema.MinItems != nil && len(arr) < *schema.MinItems {
		*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("array has %d items, minimum is %d", len(arr), *schema.MinItems)})
	}
	if schema.MaxItems != nil && len(arr) > *schema.MaxItems {
		*errs = append(*errs, FieldError{Path: path, Message: fmt.Sprintf("array has %d items, maximum is %d", len(arr), *schema.MaxItems)})
	}
	if schema.Items != nil {
		for i, item := range arr {
			v.validateValue(item, schema.Items, fmt.Sprintf("%s[%d]", path, i), errs)
		}
	}
}

func typeError(path string, want types.SchemaType, got any) FieldError {
	return FieldError{Path: path, Message: fmt.Sprintf("expected %s, got %T", want, got)}
}

func equalValues(a, b any) bool {
	aNum, aIsNum := types.ToFloat64(a)
	bNum, bIsNum := types.ToFloat64(b)
	if aIsNum && bIsNum {
		return aNum == bNum
	}
	if a == nil && b == nil {
		return true
	}
	aJSON, _ := json.Marshal(a)
	bJSON, _ := json.Marshal(b)
	return string(aJSON) == string(bJSON)
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}
