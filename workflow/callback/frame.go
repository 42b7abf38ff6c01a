// Package callback turns node lifecycle callbacks into the SSE-style frames
// streamed to a client, and keeps the frames of output nodes in the order
// their nodes first spoke.
package callback

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/types"
)

// FlowFinishReason 节点结束帧的 finish_reason，同时作为顺序队列的结束标记
const FlowFinishReason = "stop"

// InterruptFinishReason 中断帧的 finish_reason
const InterruptFinishReason = "interrupt"

// WorkflowNodeID 工作流开始/结束帧使用的节点 ID
const WorkflowNodeID = "flow_obj"

// NodeInfo 帧中的节点信息
type NodeInfo struct {
	ID           string         `json:"id"`
	AliasName    string         `json:"alias_name"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs"`
	ErrorOutputs map[string]any `json:"error_outputs"`
	Ext          map[string]any `json:"ext,omitempty"`
	ExecutedTime float64        `json:"executed_time"`
	Usage        *types.Usage   `json:"usage,omitempty"`
}

// WorkflowStep 帧所属的执行步骤
type WorkflowStep struct {
	Node *NodeInfo `json:"node,omitempty"`
	// Seq is assigned when the frame leaves the stream queue.
	Seq      int     `json:"seq"`
	Progress float64 `json:"progress"`
}

// Delta 增量内容
type Delta struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

// Choice 单个候选
type Choice struct {
	Delta        Delta  `json:"delta"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// InterruptData 中断事件数据
type InterruptData struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	NeedReply bool           `json:"need_reply"`
	Value     map[string]any `json:"value"`
}

// Frame 推送给客户端的一帧
type Frame struct {
	Code         int            `json:"code"`
	Message      string         `json:"message"`
	ID           string         `json:"id"`
	Created      int64          `json:"created"`
	WorkflowStep *WorkflowStep  `json:"workflow_step,omitempty"`
	Choices      []Choice       `json:"choices"`
	Usage        *types.Usage   `json:"usage,omitempty"`
	EventData    *InterruptData `json:"event_data,omitempty"`
}

// NodeID returns the id of the node the frame belongs to.
func (f *Frame) NodeID() string {
	if f == nil || f.WorkflowStep == nil || f.WorkflowStep.Node == nil {
		return ""
	}
	return f.WorkflowStep.Node.ID
}

// FinishReason returns the finish reason of the first choice.
func (f *Frame) FinishReason() string {
	if f == nil || len(f.Choices) == 0 {
		return ""
	}
	return f.Choices[0].FinishReason
}

// Content returns the content of the first choice.
func (f *Frame) Content() string {
	if f == nil || len(f.Choices) == 0 {
		return ""
	}
	return f.Choices[0].Delta.Content
}

// Marshal encodes the frame without HTML escaping.
func (f *Frame) Marshal() ([]byte, error) {
	return json.MarshalNoEscape(f)
}

// StreamResult 需要排序的帧及其所属节点
type StreamResult struct {
	NodeID       string
	Content      *Frame
	FinishReason string
}

func newFrame(sid string, code int, message string, node *NodeInfo, progress float64) *Frame {
	return &Frame{
		Code:         code,
		Message:      message,
		ID:           sid,
		Created:      time.Now().Unix(),
		WorkflowStep: &WorkflowStep{Node: node, Progress: progress},
		Choices:      []Choice{{Delta: Delta{Role: "assistant"}}},
	}
}

// workflowFrame builds the workflow start and end frames.
func workflowFrame(sid string, code int, message string, usage *types.Usage, progress float64) *Frame {
	f := newFrame(sid, code, message, &NodeInfo{
		ID:           WorkflowNodeID,
		FinishReason: FlowFinishReason,
		Inputs:       map[string]any{},
		Outputs:      map[string]any{},
		Usage:        &types.Usage{},
	}, progress)
	f.Usage = usage
	return f
}
