package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		op       string
		actual   any
		expected any
		want     bool
	}{
		{"contains string", "contains", "hello", "ell", true},
		{"contains array", "contains", []any{"a", "b"}, "b", true},
		{"contains empty actual", "contains", nil, "x", false},
		{"not contains", "not_contains", "hello", "xyz", true},
		{"not contains empty actual", "not_contains", nil, "x", true},
		{"start with", "start_with", "hello", "he", true},
		{"start with empty", "start_with", "", "", false},
		{"end with", "end_with", "hello", "lo", true},
		{"is string", "is", "a", "a", true},
		{"is nil", "is", nil, "a", false},
		{"is not", "is_not", "a", "b", true},
		{"empty string", "empty", "  ", nil, true},
		{"empty array", "empty", []any{}, nil, true},
		{"not empty", "not_empty", "x", nil, true},
		{"eq numeric string", "eq", int64(3), "3", true},
		{"ne", "ne", 3.0, "4", true},
		{"gt", "gt", int64(5), "3", true},
		{"ge equal", "ge", 3.0, 3.0, true},
		{"lt", "lt", 1.0, "2.5", true},
		{"le false", "le", 3.0, "2", false},
		{"gt non numeric", "gt", "abc", "1", false},
		{"null", "null", nil, nil, true},
		{"not null", "not_null", "x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, handled := Compare(tt.op, tt.actual, tt.expected)
			assert.True(t, handled)
			assert.Equal(t, tt.want, got)
		})
	}

	_, handled := Compare("between", 1, 2)
	assert.False(t, handled)
}

func ifElseNodes(cases []any) []dsl.Node {
	left := fixtures.Ref("score", types.SchemaTypeInteger, "node-start::1", "score")
	left.ID = "in-score"
	right := fixtures.Literal("limit", types.SchemaTypeInteger, "60")
	right.ID = "in-limit"
	return []dsl.Node{
		fixtures.Start("node-start::1", fixtures.RequiredOut("score", types.SchemaTypeInteger)),
		fixtures.NewNode("if-else::1").In(left, right).Param("cases", cases).Build(),
	}
}

func passCases() []any {
	return []any{
		map[string]any{
			"id": "branch_one_of::else", "level": 999, "logicalOperator": "and", "conditions": []any{},
		},
		map[string]any{
			"id": "branch_one_of::pass", "level": 1, "logicalOperator": "and",
			"conditions": []any{
				map[string]any{"leftVarIndex": "in-score", "rightVarIndex": "in-limit", "compareOperator": "ge"},
			},
		},
	}
}

func TestIfElse_Routing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		score      int64
		wantHandle string
		wantRes    bool
	}{
		{"match", 75, "branch_one_of::pass", true},
		{"fall through to default", 30, "branch_one_of::else", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := ifElseNodes(passCases())
			rc := newRunContext(t, nodes...)
			initStart(t, rc, "node-start::1", map[string]any{"score": tt.score})
			n := mustCreate(t, Deps{}, nodes[1])

			res, err := n.Execute(context.Background(), rc)
			require.NoError(t, err)
			require.True(t, res.Succeeded())
			assert.Equal(t, tt.wantHandle, res.EdgeSourceHandle)
			assert.Equal(t, tt.wantRes, res.Outputs["res"])
		})
	}
}

func TestIfElse_SortsByLevel(t *testing.T) {
	t.Parallel()

	nodes := ifElseNodes(passCases())
	n := mustCreate(t, Deps{}, nodes[1]).(*IfElse)
	cases := n.Cases()
	require.Len(t, cases, 2)
	assert.Equal(t, "branch_one_of::pass", cases[0].ID)
	assert.Equal(t, DefaultBranchLevel, cases[1].Level)
}

func TestIfElse_NeedsTwoCases(t *testing.T) {
	t.Parallel()

	nodes := ifElseNodes(passCases()[:1])
	_, err := NewRegistry(Deps{}).Create(nodes[1])
	require.Error(t, err)
	assert.True(t, types.IsStructural(err))
}

func TestIfElse_ErroredCaseIsSkipped(t *testing.T) {
	t.Parallel()

	cases := passCases()
	cases = append(cases, map[string]any{
		"id": "branch_one_of::broken", "level": 1, "logicalOperator": "and",
		"conditions": []any{map[string]any{"leftVarIndex": "missing", "compareOperator": "eq"}},
	})
	cases[1].(map[string]any)["level"] = 2

	nodes := ifElseNodes(cases)
	rc := newRunContext(t, nodes...)
	initStart(t, rc, "node-start::1", map[string]any{"score": int64(90)})
	n := mustCreate(t, Deps{}, nodes[1])

	res, err := n.Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "branch_one_of::pass", res.EdgeSourceHandle)
	assert.Contains(t, res.Inputs, "Branch 1 inputs")
}
