package node

import (
	"context"
	"errors"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// ErrNotRun is returned by output nodes whose every path was deactivated
// while they waited for their turn.
var ErrNotRun = errors.New("node not run")

func paramBool(params map[string]any, key string, def bool) bool {
	if params == nil {
		return def
	}
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

// outputNode is the shared part of message and end nodes.
type outputNode struct {
	Base
	template          string
	reasoningTemplate string
	stream            bool
}

func newOutputNode(n dsl.Node) outputNode {
	return outputNode{
		Base:              NewBase(n),
		template:          n.Data.ParamString("template"),
		reasoningTemplate: n.Data.ParamString("reasoningTemplate"),
		stream:            paramBool(n.Data.NodeParam, "streamOutput", true),
	}
}

// begin waits for preceding output nodes and emits the start frame.
func (o *outputNode) begin(ctx context.Context, rc *RunContext) error {
	if rc.Callbacks == nil {
		return errNoCallbacks
	}
	run, err := awaitPreOutputNodes(ctx, &o.Base, rc)
	if err != nil {
		return err
	}
	if !run {
		return ErrNotRun
	}
	return rc.Callbacks.OnNodeStart(ctx, 0, o.id, o.alias)
}

// Message 消息节点：按模板流式输出引用变量
type Message struct {
	outputNode
}

// NewMessage creates a message node.
func NewMessage(n dsl.Node, _ Deps) (Node, error) {
	return &Message{outputNode: newOutputNode(n)}, nil
}

// Execute streams the rendered template and emits its own end frame.
func (m *Message) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	if err := m.begin(ctx, rc); err != nil {
		return nil, err
	}
	last, full, err := streamAnswer(ctx, &m.Base, rc, m.template, m.reasoningTemplate, m.stream)
	if err != nil {
		return m.Fail(nil, err, types.ErrNodeRun), nil
	}
	if err := awaitDataDeps(ctx, &m.Base, rc); err != nil {
		return nil, err
	}
	inputs, err := m.inputValues(rc.Pool)
	if err != nil {
		return m.Fail(inputs, err, types.ErrVariableGet), nil
	}

	outputs := map[string]any{}
	if names := m.OutputNames(); len(names) > 0 {
		outputs[names[0]] = full.content
	}
	res := m.Success(inputs, outputs)
	res.NodeAnswerContent = last.content
	res.NodeAnswerReasoningContent = last.reasoning
	if err := rc.Callbacks.OnNodeEnd(ctx, m.id, m.alias, res, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// End 结束节点，变量模式输出 JSON，模板模式流式输出
type End struct {
	outputNode
	mode EndOutputMode
}

// NewEnd creates an end node.
func NewEnd(n dsl.Node, _ Deps) (Node, error) {
	return &End{
		outputNode: newOutputNode(n),
		mode:       EndOutputMode(n.Data.ParamInt("outputMode", int(EndOutputVariable))),
	}, nil
}

// Mode returns the configured output mode.
func (e *End) Mode() EndOutputMode { return e.mode }

// Execute collects the end inputs, renders the answer in prompt mode and
// emits the final frame of the run.
func (e *End) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	if err := e.begin(ctx, rc); err != nil {
		return nil, err
	}
	var last, full outputPiece
	if e.mode == EndOutputPrompt {
		var err error
		last, full, err = streamAnswer(ctx, &e.Base, rc, e.template, e.reasoningTemplate, e.stream)
		if err != nil {
			return e.Fail(nil, err, types.ErrNodeRun), nil
		}
	}
	if err := awaitDataDeps(ctx, &e.Base, rc); err != nil {
		return nil, err
	}
	inputs, err := e.inputValues(rc.Pool)
	if err != nil {
		return e.Fail(inputs, err, types.ErrVariableGet), nil
	}
	res := e.Success(inputs, inputs)
	if e.mode == EndOutputPrompt {
		res.NodeAnswerContent = last.content
		res.NodeAnswerReasoningContent = last.reasoning
		res.RawOutput = full.content
	}
	if err := rc.Callbacks.OnNodeEnd(ctx, e.id, e.alias, res, nil); err != nil {
		return nil, err
	}
	return res, nil
}

// IterationEnd 迭代子流程结束节点，输出即其输入
type IterationEnd struct {
	Base
	template string
	mode     EndOutputMode
}

// NewIterationEnd creates an iteration end node.
func NewIterationEnd(n dsl.Node, _ Deps) (Node, error) {
	return &IterationEnd{
		Base:     NewBase(n),
		template: n.Data.ParamString("template"),
		mode:     EndOutputMode(n.Data.ParamInt("outputMode", int(EndOutputVariable))),
	}, nil
}

// Execute returns the collected inputs as outputs. In prompt mode the
// rendered template becomes the answer content.
func (e *IterationEnd) Execute(_ context.Context, rc *RunContext) (*RunResult, error) {
	inputs, err := e.inputValues(rc.Pool)
	if err != nil {
		return e.Fail(inputs, err, types.ErrVariableGet), nil
	}
	res := e.Success(nil, inputs)
	if e.mode == EndOutputPrompt {
		answer, err := RenderTemplate(rc.Pool, e.id, e.template, e.InputNames())
		if err != nil {
			return e.Fail(inputs, err, types.ErrVariableParse), nil
		}
		res.NodeAnswerContent = answer
	}
	return res, nil
}
