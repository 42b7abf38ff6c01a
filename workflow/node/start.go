package node

import (
	"context"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// Start 主流程开始节点，输出即运行入参
type Start struct {
	Base
}

// NewStart creates a start node.
func NewStart(n dsl.Node, _ Deps) (Node, error) {
	return &Start{Base: NewBase(n)}, nil
}

// Execute echoes the initialized start variables.
func (s *Start) Execute(_ context.Context, rc *RunContext) (*RunResult, error) {
	values, err := s.outputValues(rc)
	if err != nil {
		return s.Fail(values, err, types.ErrVariableGet), nil
	}
	return s.Success(values, values), nil
}

func (b *Base) outputValues(rc *RunContext) (map[string]any, error) {
	values := make(map[string]any, len(b.data.Outputs))
	for _, name := range b.OutputNames() {
		v, err := rc.Pool.GetVariable(b.id, name)
		if err != nil {
			return values, err
		}
		values[name] = v
	}
	return values, nil
}

// IterationStart 迭代子流程开始节点
type IterationStart struct {
	Base
}

// NewIterationStart creates an iteration start node.
func NewIterationStart(n dsl.Node, _ Deps) (Node, error) {
	return &IterationStart{Base: NewBase(n)}, nil
}

// Execute reports the current batch item as inputs. Its outputs were set
// when the sub-run was initialized.
func (s *IterationStart) Execute(_ context.Context, rc *RunContext) (*RunResult, error) {
	values, err := s.outputValues(rc)
	if err != nil {
		return s.Fail(values, err, types.ErrVariableGet), nil
	}
	return s.Success(values, nil), nil
}
