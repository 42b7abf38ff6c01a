package dsl_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

const yamlWorkflow = `
id: wf-1
name: demo
updatedAt: 1700000000
nodes:
  - id: "node-start::1"
    data:
      nodeMeta: {aliasName: 开始}
      outputs:
        - name: input
          required: true
          schema: {type: string}
  - id: "if-else::1"
    data:
      nodeMeta: {aliasName: 分支}
      inputs:
        - name: x
          schema:
            type: string
            value:
              type: ref
              content: {nodeId: "node-start::1", name: input}
      retryConfig:
        timeout: 5
        should_retry: true
        max_retries: 2
        error_strategy: 1
        custom_output: {res: false}
  - id: "node-end::1"
    data:
      nodeMeta: {aliasName: 结束}
      inputs:
        - name: output
          schema:
            type: string
            value: {type: literal, content: done}
edges:
  - {sourceNodeId: "node-start::1", targetNodeId: "if-else::1"}
  - {sourceNodeId: "if-else::1", targetNodeId: "node-end::1", sourceHandle: "branch_one_of::a"}
`

func TestParser_YAML(t *testing.T) {
	t.Parallel()

	wf, err := dsl.NewParser().Parse([]byte(yamlWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.ID)
	assert.EqualValues(t, 1700000000, wf.UpdatedAt)
	require.Len(t, wf.Nodes, 3)

	ifElse, ok := wf.NodeByID("if-else::1")
	require.True(t, ok)
	assert.Equal(t, dsl.NodeTypeIfElse, ifElse.Type())

	ref, ok := ifElse.Data.Inputs[0].Schema.Value.Ref()
	require.True(t, ok)
	assert.Equal(t, dsl.NodeRef{NodeID: "node-start::1", Name: "input"}, ref)
	assert.Equal(t, types.SchemaTypeString, ifElse.Data.Inputs[0].Schema.Type)

	rc := ifElse.Data.RetryConfig
	assert.True(t, rc.ShouldRetry)
	assert.Equal(t, 2, rc.MaxRetries)
	assert.Equal(t, dsl.ErrorStrategyCustomReturn, rc.ErrorStrategy)
	assert.Equal(t, 5.0, rc.TimeoutSeconds())
	assert.Equal(t, false, rc.CustomOutput["res"])

	assert.Equal(t, "branch_one_of::a", wf.Edges[1].Handle())
}

func TestParser_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	wf := fixtures.Linear()
	data, err := dsl.Marshal(wf)
	require.NoError(t, err)

	parsed, err := dsl.NewParser().Parse(data)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, parsed.ID)
	require.Len(t, parsed.Nodes, 2)

	ref, ok := parsed.Nodes[1].Data.Inputs[0].Schema.Value.Ref()
	require.True(t, ok)
	assert.Equal(t, "node-start::1", ref.NodeID)
}

func TestParser_Errors(t *testing.T) {
	t.Parallel()

	p := dsl.NewParser()

	_, err := p.Parse(nil)
	require.Error(t, err)
	assert.True(t, types.IsStructural(err))

	_, err = p.Parse([]byte(`{"nodes": [`))
	require.Error(t, err)
	assert.Equal(t, types.ErrProtocolValidate, types.GetErrorCode(err))

	_, err = p.Parse([]byte(`{"nodes": []}`))
	require.Error(t, err)
}

func TestValidator_Rules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(wf *dsl.Workflow)
		wantErr string
	}{
		{
			name:    "duplicate id",
			mutate:  func(wf *dsl.Workflow) { wf.Nodes = append(wf.Nodes, wf.Nodes[0]) },
			wantErr: "duplicate node ID",
		},
		{
			name:    "unknown type",
			mutate:  func(wf *dsl.Workflow) { wf.Nodes = append(wf.Nodes, fixtures.NewNode("weird::1").Build()) },
			wantErr: "unsupported node type",
		},
		{
			name:    "dangling edge",
			mutate:  func(wf *dsl.Workflow) { wf.Edges = append(wf.Edges, dsl.Edge{SourceNodeID: "node-start::1", TargetNodeID: "nope::1"}) },
			wantErr: "does not exist",
		},
		{
			name: "unknown ref",
			mutate: func(wf *dsl.Workflow) {
				wf.Nodes[1].Data.Inputs[0] = fixtures.Ref("output", types.SchemaTypeString, "spark-llm::9", "output")
			},
			wantErr: "references unknown node",
		},
		{
			name:    "negative retries",
			mutate:  func(wf *dsl.Workflow) { wf.Nodes[1].Data.RetryConfig.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "missing end",
			mutate:  func(wf *dsl.Workflow) { wf.Nodes = wf.Nodes[:1]; wf.Edges = nil },
			wantErr: "end node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := fixtures.Linear()
			tt.mutate(wf)
			errs := dsl.NewValidator().Validate(wf)
			require.NotEmpty(t, errs)
			found := false
			for _, e := range errs {
				if strings.Contains(e.Error(), tt.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "errors %v should mention %q", errs, tt.wantErr)
		})
	}
}

func TestTypeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, dsl.NodeTypeLLM, dsl.TypeOf("spark-llm::abc"))
	assert.Equal(t, dsl.NodeTypeIterationEnd, dsl.TypeOf("iteration-node-end::x"))
	assert.True(t, dsl.TypeOf("node-end::1").IsTerminal())
	assert.True(t, dsl.TypeOf("message::1").IsOutput())
	assert.True(t, dsl.TypeOf("agent::1").IsStreamCapable())
	assert.False(t, dsl.TypeOf("plugin::1").IsStreamCapable())

	e := dsl.Edge{SourceHandle: "intent_chain|intent-2"}
	assert.Equal(t, "intent-2", e.Handle())
	assert.True(t, dsl.Edge{SourceHandle: "fail_one_of"}.IsFailBranch())
}
