package node

import (
	"time"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// ExecutionStatus 节点执行状态
type ExecutionStatus string

const (
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
)

// RunResult 单次节点执行结果，每次策略调用都会新建
type RunResult struct {
	NodeID    string          `json:"node_id"`
	AliasName string          `json:"alias_name"`
	NodeType  dsl.NodeType    `json:"node_type"`
	Status    ExecutionStatus `json:"status"`

	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs"`
	ErrorOutputs map[string]any `json:"error_outputs"`

	RawOutput   string         `json:"raw_output,omitempty"`
	ProcessData map[string]any `json:"process_data,omitempty"`

	// NodeAnswerContent 输出类节点最终拼接的回答
	NodeAnswerContent          string `json:"node_answer_content,omitempty"`
	NodeAnswerReasoningContent string `json:"node_answer_reasoning_content,omitempty"`

	// EdgeSourceHandle 分支节点选中的出边 handle
	EdgeSourceHandle string `json:"edge_source_handle,omitempty"`

	TokenCost *types.Usage  `json:"token_cost,omitempty"`
	TimeCost  time.Duration `json:"time_cost"`

	Error *types.Error `json:"error,omitempty"`
}

// Succeeded reports whether the node finished without error.
func (r *RunResult) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// Err returns the typed error as a plain error (nil-safe).
func (r *RunResult) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// Success builds a succeeded result with default error outputs.
func (b *Base) Success(inputs, outputs map[string]any) *RunResult {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	return &RunResult{
		NodeID:    b.id,
		AliasName: b.alias,
		NodeType:  b.nodeType,
		Status:    StatusSucceeded,
		Inputs:    inputs,
		Outputs:   outputs,
		ErrorOutputs: map[string]any{
			variable.ErrorCodeKey:    int64(types.Success),
			variable.ErrorMessageKey: "",
		},
	}
}

// Fail builds a failed result. Untyped errors are wrapped with code.
func (b *Base) Fail(inputs map[string]any, err error, code types.ErrorCode) *RunResult {
	if inputs == nil {
		inputs = map[string]any{}
	}
	e := types.WrapError(err, code, "")
	if e.NodeID == "" {
		e.NodeID = b.id
	}
	return &RunResult{
		NodeID:    b.id,
		AliasName: b.alias,
		NodeType:  b.nodeType,
		Status:    StatusFailed,
		Inputs:    inputs,
		Outputs:   map[string]any{},
		ErrorOutputs: map[string]any{
			variable.ErrorCodeKey:    int64(e.Code),
			variable.ErrorMessageKey: types.GetErrorMessage(e),
		},
		Error: e,
	}
}
