package node

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/variable"
)

var (
	bracesPattern   = regexp.MustCompile(`\{\{(.*?)}}`)
	variablePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(?:\[-?\d+\])*(?:\.[A-Za-z0-9_-]+(?:\[-?\d+\])*)*$`)
	indexPattern    = regexp.MustCompile(`\[(-?\d+)\]`)
)

// Placeholders returns the valid {{var}} expressions of a template in order.
func Placeholders(template string) []string {
	var out []string
	for _, m := range bracesPattern.FindAllStringSubmatch(template, -1) {
		if variablePattern.MatchString(m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// ResolvePath resolves an expression like "a.b[0].c" for nodeID. The first
// segment goes through the pool; the rest walk the value. An expression the
// pool does not know resolves to itself.
func ResolvePath(pool *variable.Pool, nodeID, expr string) (any, error) {
	var cur any
	for i, part := range strings.Split(expr, ".") {
		name := part
		if j := strings.Index(part, "["); j >= 0 {
			name = part[:j]
		}
		if i == 0 {
			v, err := pool.GetVariable(nodeID, name)
			if err != nil {
				return expr, nil
			}
			cur = v
		} else {
			m, ok := cur.(map[string]any)
			if !ok {
				return expr, nil
			}
			cur = m[name]
		}
		for _, idx := range indexPattern.FindAllStringSubmatch(part, -1) {
			n, _ := strconv.Atoi(idx[1])
			arr, ok := cur.([]any)
			if !ok {
				return nil, types.NewError(types.ErrVariableParse,
					fmt.Sprintf("variable %s: %s is not an array", expr, name))
			}
			if n < 0 {
				n += len(arr)
			}
			if n < 0 || n >= len(arr) {
				return nil, types.NewError(types.ErrVariableParse,
					fmt.Sprintf("variable %s: index %s out of range", expr, idx[1]))
			}
			cur = arr[n]
		}
	}
	return cur, nil
}

// Stringify renders a resolved value for template output.
func Stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// RenderTemplate replaces every placeholder whose root variable is one of
// inputs with its value.
func RenderTemplate(pool *variable.Pool, nodeID, template string, inputs []string) (string, error) {
	allowed := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		allowed[in] = true
	}
	var firstErr error
	out := bracesPattern.ReplaceAllStringFunc(template, func(m string) string {
		expr := m[2 : len(m)-2]
		if !variablePattern.MatchString(expr) {
			return m
		}
		root := strings.FieldsFunc(expr, func(r rune) bool { return r == '.' || r == '[' })[0]
		if !allowed[strings.TrimSpace(root)] {
			return m
		}
		v, err := ResolvePath(pool, nodeID, expr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return Stringify(v)
	})
	return out, firstErr
}

// =============================================================================
// 🧩 模板拆分
// =============================================================================

type unitKind int

const (
	unitConst unitKind = iota
	unitVariable
	unitLLMJSON
)

// templateUnit is one piece of an output template.
type templateUnit struct {
	kind       unitKind
	key        string
	depNodeID  string
	refVarName string
	isEnd      bool
}

// respFormatJSON is the respFormat of LLM nodes answering in JSON.
const respFormatJSON = 2

// splitTemplate breaks template into constants and variable references.
// Literal inputs become constants; unknown variables stay as raw text.
func splitTemplate(pool *variable.Pool, nodeID, template string) ([]templateUnit, error) {
	var units []templateUnit
	last := 0
	for _, loc := range bracesPattern.FindAllStringSubmatchIndex(template, -1) {
		expr := template[loc[2]:loc[3]]
		if !variablePattern.MatchString(expr) {
			continue
		}
		if loc[0] > last {
			units = append(units, templateUnit{kind: unitConst, key: template[last:loc[0]]})
		}
		last = loc[1]

		info, err := pool.RefNodeInfo(nodeID, expr)
		if err != nil {
			return nil, err
		}
		raw := "{{" + expr + "}}"
		switch {
		case info.RefVarType == "":
			units = append(units, templateUnit{kind: unitConst, key: raw})
		case info.RefVarType == dsl.ValueTypeLiteral:
			units = append(units, templateUnit{kind: unitConst, key: info.LiteralValue})
		case info.RefNodeID == "":
			units = append(units, templateUnit{kind: unitConst, key: raw, refVarName: info.RefVarName})
		default:
			u := templateUnit{kind: unitVariable, key: expr, depNodeID: info.RefNodeID, refVarName: info.RefVarName}
			if info.LLMRespFormat == respFormatJSON {
				u.kind = unitLLMJSON
			}
			units = append(units, u)
		}
	}
	if last < len(template) {
		units = append(units, templateUnit{kind: unitConst, key: template[last:]})
	}
	if len(units) > 0 {
		units[len(units)-1].isEnd = true
	}
	return units, nil
}
