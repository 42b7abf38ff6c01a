package variable

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/types"
)

// Coercer converts a literal into the runtime shape of one schema type.
type Coercer func(v any) (any, error)

// coercers is the literal coercion dispatch table. Values already of the
// target type never reach a coercer, so every coercion is idempotent.
var coercers = map[types.SchemaType]Coercer{
	types.SchemaTypeString:  coerceString,
	types.SchemaTypeInteger: coerceInteger,
	types.SchemaTypeNumber:  coerceNumber,
	types.SchemaTypeBoolean: coerceBoolean,
	types.SchemaTypeArray:   coerceArray,
	types.SchemaTypeObject:  coerceObject,
}

// Coerce converts a literal to schema type t.
func Coerce(t types.SchemaType, v any) (any, error) {
	if types.MatchesType(t, v) {
		return v, nil
	}
	fn, ok := coercers[t]
	if !ok {
		// 未声明类型的 literal 原样保留
		return v, nil
	}
	return fn(v)
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return fmt.Sprint(v), nil
}

func coerceInteger(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return nil, fmt.Errorf("cannot convert %q to integer", s)
	}
	return int64(f), nil
}

func coerceNumber(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to number", v)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %q to number", s)
	}
	return f, nil
}

// coerceBoolean: only "false" and "False" are false.
func coerceBoolean(v any) (any, error) {
	s, _ := v.(string)
	return !(s == "false" || s == "False"), nil
}

func coerceArray(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to array", v)
	}
	var out []any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &out); err != nil {
		return nil, fmt.Errorf("cannot convert %q to array", s)
	}
	return out, nil
}

func coerceObject(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to object", v)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &out); err != nil || out == nil {
		return nil, fmt.Errorf("cannot convert %q to object", s)
	}
	return out, nil
}
