package node

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// DefaultBranchLevel marks the else case of an if-else node.
const DefaultBranchLevel = 999

// Condition 单个比较条件，左右操作数为输入 ID
type Condition struct {
	LeftVarIndex    string `json:"leftVarIndex"`
	RightVarIndex   string `json:"rightVarIndex,omitempty"`
	CompareOperator string `json:"compareOperator"`
}

// Case 一个分支，ID 即出边 source handle
type Case struct {
	ID              string      `json:"id"`
	Level           int         `json:"level"`
	LogicalOperator string      `json:"logicalOperator"`
	Conditions      []Condition `json:"conditions"`
}

// IfElse 条件分支节点，按优先级短路求值
type IfElse struct {
	Base
	cases []Case
	// inputByID maps input ids to input names.
	inputByID map[string]string
}

// NewIfElse creates an if-else node from nodeParam "cases".
func NewIfElse(n dsl.Node, _ Deps) (Node, error) {
	node := &IfElse{Base: NewBase(n), inputByID: make(map[string]string)}
	raw, err := json.Marshal(n.Data.NodeParam["cases"])
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &node.cases); err != nil {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			fmt.Sprintf("if-else node %s: invalid cases: %v", n.ID, err)).WithNodeID(n.ID)
	}
	if len(node.cases) < 2 {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			fmt.Sprintf("if-else node %s needs at least two cases", n.ID)).WithNodeID(n.ID)
	}
	for i := range node.cases {
		if node.cases[i].Level == 0 {
			node.cases[i].Level = DefaultBranchLevel
		}
	}
	sort.SliceStable(node.cases, func(i, j int) bool { return node.cases[i].Level < node.cases[j].Level })
	for _, in := range n.Data.Inputs {
		node.inputByID[in.ID] = in.Name
	}
	return node, nil
}

// Cases returns the cases in evaluation order.
func (n *IfElse) Cases() []Case { return n.cases }

// Execute returns the handle of the first matching case. Without a match,
// or when every case errors, the last case is taken.
func (n *IfElse) Execute(_ context.Context, rc *RunContext) (*RunResult, error) {
	inputs := map[string]any{}
	errs := map[string]any{}
	for i, c := range n.cases {
		label := fmt.Sprintf("Branch %d", i+1)
		if c.Level == DefaultBranchLevel {
			res := n.Success(inputs, map[string]any{"res": false})
			res.ProcessData = errs
			res.EdgeSourceHandle = c.ID
			return res, nil
		}
		conds, matched, err := n.evalCase(rc, c)
		inputs[label+" inputs"] = conds
		if err != nil {
			errs[label+" errors"] = err.Error()
			rc.span().AddErrorEvent(types.WrapError(err, types.ErrIfElseExecution, ""))
			continue
		}
		if matched {
			res := n.Success(inputs, map[string]any{"res": true})
			res.ProcessData = map[string]any{"condition_results": conds}
			res.EdgeSourceHandle = c.ID
			return res, nil
		}
	}
	res := n.Success(inputs, map[string]any{"res": false})
	res.ProcessData = errs
	res.EdgeSourceHandle = n.cases[len(n.cases)-1].ID
	return res, nil
}

func (n *IfElse) evalCase(rc *RunContext, c Case) ([]map[string]any, bool, error) {
	results := make([]map[string]any, 0, len(c.Conditions))
	for _, cond := range c.Conditions {
		leftName, ok := n.inputByID[cond.LeftVarIndex]
		if !ok {
			return results, false, fmt.Errorf("unknown left operand %q", cond.LeftVarIndex)
		}
		actual, err := rc.Pool.GetVariable(n.id, leftName)
		if err != nil {
			return results, false, err
		}
		var expected any
		if rightName := n.inputByID[cond.RightVarIndex]; rightName != "" {
			if expected, err = rc.Pool.GetVariable(n.id, rightName); err != nil {
				return results, false, err
			}
		}
		ok, handled := Compare(cond.CompareOperator, actual, expected)
		if !handled {
			continue
		}
		results = append(results, map[string]any{
			"actual_value":        actual,
			"expected_value":      expected,
			"comparison_operator": cond.CompareOperator,
			"result":              ok,
		})
	}

	if strings.EqualFold(c.LogicalOperator, "or") {
		for _, r := range results {
			if r["result"] == true {
				return results, true, nil
			}
		}
		return results, false, nil
	}
	for _, r := range results {
		if r["result"] != true {
			return results, false, nil
		}
	}
	return results, true, nil
}

// Compare applies an if-else operator. handled is false for unknown operators.
func Compare(op string, actual, expected any) (result, handled bool) {
	switch op {
	case "contains":
		return containsValue(actual, expected, true), true
	case "not_contains":
		return containsValue(actual, expected, false), true
	case "start_with":
		s, ok := actual.(string)
		return ok && s != "" && strings.HasPrefix(s, fmt.Sprint(expected)), true
	case "end_with":
		s, ok := actual.(string)
		return ok && s != "" && strings.HasSuffix(s, fmt.Sprint(expected)), true
	case "is":
		return isEqual(actual, expected), true
	case "is_not":
		return isNotEqual(actual, expected), true
	case "empty":
		return isEmpty(actual), true
	case "not_empty":
		return !isEmpty(actual), true
	case "eq":
		return numEqual(actual, expected), true
	case "ne":
		return numNotEqual(actual, expected), true
	case "gt", "ge", "lt", "le":
		return numOrder(op, actual, expected), true
	case "null":
		return actual == nil, true
	case "not_null":
		return actual != nil, true
	}
	return false, false
}

func containsValue(actual, expected any, want bool) bool {
	expStr := fmt.Sprint(expected)
	if expected == nil {
		expStr = ""
	}
	if s, ok := actual.(string); ok && s == "" && expStr == "" {
		return want
	}
	if isFalsy(actual) {
		return !want
	}
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, expStr) == want
	case []any:
		for _, item := range a {
			if reflect.DeepEqual(item, expected) || fmt.Sprint(item) == expStr {
				return want
			}
		}
		return !want
	}
	return false
}

func isFalsy(v any) bool {
	switch a := v.(type) {
	case nil:
		return true
	case string:
		return a == ""
	case []any:
		return len(a) == 0
	}
	return false
}

func isEqual(actual, expected any) bool {
	switch a := actual.(type) {
	case nil:
		return false
	case string:
		return a == fmt.Sprint(expected)
	}
	if _, ok := types.ToFloat64(actual); ok {
		return numEqual(actual, expected)
	}
	return false
}

func isNotEqual(actual, expected any) bool {
	switch a := actual.(type) {
	case nil:
		return false
	case string:
		return a != fmt.Sprint(expected)
	}
	if _, ok := types.ToFloat64(actual); ok {
		return numNotEqual(actual, expected)
	}
	return false
}

func isEmpty(v any) bool {
	switch a := v.(type) {
	case []any:
		return len(a) == 0
	case bool:
		return !a
	case string:
		return strings.TrimSpace(a) == ""
	case map[string]any:
		return len(a) == 0
	}
	if f, ok := types.ToFloat64(v); ok {
		return f == 0
	}
	return false
}

func toNumber(v any) (float64, bool) {
	if f, ok := types.ToFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func numEqual(actual, expected any) bool {
	if actual == nil {
		return false
	}
	if s, ok := actual.(string); ok {
		return s == fmt.Sprint(expected)
	}
	a, ok1 := types.ToFloat64(actual)
	e, ok2 := toNumber(expected)
	return ok1 && ok2 && a == e
}

func numNotEqual(actual, expected any) bool {
	if actual == nil {
		return false
	}
	if s, ok := actual.(string); ok {
		return s != fmt.Sprint(expected)
	}
	a, ok1 := types.ToFloat64(actual)
	e, ok2 := toNumber(expected)
	return ok1 && ok2 && a != e
}

func numOrder(op string, actual, expected any) bool {
	a, ok := types.ToFloat64(actual)
	if !ok {
		return false
	}
	e, ok := toNumber(expected)
	if !ok {
		return false
	}
	switch op {
	case "gt":
		return a > e
	case "ge":
		return a >= e
	case "lt":
		return a < e
	default:
		return a <= e
	}
}
