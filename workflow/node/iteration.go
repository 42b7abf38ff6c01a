package node

import (
	"context"
	"fmt"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// Iteration 迭代节点：对首个输入数组的每一项运行一次子流程
type Iteration struct {
	Base
	startNodeID string
}

// NewIteration creates an iteration node.
func NewIteration(n dsl.Node, _ Deps) (Node, error) {
	it := &Iteration{Base: NewBase(n), startNodeID: n.Data.ParamString("IterationStartNodeId")}
	if len(n.Data.Inputs) == 0 {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			"iteration node "+n.ID+" declares no batch input").WithNodeID(n.ID)
	}
	return it, nil
}

// StartNodeID returns the id of the sub-flow start node.
func (it *Iteration) StartNodeID() string { return it.startNodeID }

// Execute runs the sub-flow once per batch item, sequentially, each on its
// own fork of the pool. Item outputs are collected per declared output.
func (it *Iteration) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	batchName := it.data.Inputs[0].Name
	raw, err := rc.Pool.GetVariable(it.id, batchName)
	if err != nil {
		return it.Fail(nil, err, types.ErrVariableGet), nil
	}
	inputs := map[string]any{batchName: raw}
	batch, ok := raw.([]any)
	if !ok && raw != nil {
		return it.Fail(inputs, types.Errorf(types.ErrIterationExecution,
			"batch input %s is %T, not an array", batchName, raw), types.ErrIterationExecution), nil
	}
	if rc.Iteration == nil {
		return it.Fail(inputs, types.NewError(types.ErrIterationExecution, "no iteration runner configured"),
			types.ErrIterationExecution), nil
	}

	collected := map[string][]any{}
	base := rc.Pool.Fork()
	for i, item := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := rc.Iteration.RunIteration(ctx, it.id, base.Fork(), map[string]any{batchName: item})
		if err != nil {
			return it.Fail(inputs, types.WrapError(err, types.ErrIterationExecution,
				fmt.Sprintf("iteration item %d failed", i)), types.ErrIterationExecution), nil
		}
		for k, v := range res.Outputs {
			collected[k] = append(collected[k], v)
		}
	}

	outputs := make(map[string]any, len(it.data.Outputs))
	for _, name := range it.OutputNames() {
		vals := collected[name]
		if vals == nil {
			vals = []any{}
		}
		outputs[name] = vals
	}
	rc.span().AddEvent("iteration_result", map[string]any{"items": len(batch)})
	return it.Success(inputs, outputs), nil
}
