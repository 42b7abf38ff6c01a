// RecordingCallbacks 记录节点回调的测试实现。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/flowengine/workflow/node"
)

// 回调类型
const (
	FrameStart     = "start"
	FrameProcess   = "process"
	FrameInterrupt = "interrupt"
	FrameEnd       = "end"
)

// Frame 一次回调
type Frame struct {
	Kind    string
	NodeID  string
	Content string
	Value   map[string]any
	Result  *node.RunResult
	Err     error
}

// RecordingCallbacks 是 node.Callbacks 的模拟实现，按调用顺序记录回调
type RecordingCallbacks struct {
	mu      sync.Mutex
	eventID string
	frames  []Frame
}

var _ node.Callbacks = (*RecordingCallbacks)(nil)

// NewRecordingCallbacks 创建记录器
func NewRecordingCallbacks(eventID string) *RecordingCallbacks {
	return &RecordingCallbacks{eventID: eventID}
}

func (c *RecordingCallbacks) record(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *RecordingCallbacks) EventID() string { return c.eventID }

func (c *RecordingCallbacks) OnNodeStart(_ context.Context, _ int, nodeID, _ string) error {
	c.record(Frame{Kind: FrameStart, NodeID: nodeID})
	return nil
}

func (c *RecordingCallbacks) OnNodeProcess(_ context.Context, _ int, nodeID, _, content, _ string) error {
	c.record(Frame{Kind: FrameProcess, NodeID: nodeID, Content: content})
	return nil
}

func (c *RecordingCallbacks) OnNodeInterrupt(_ context.Context, _ string, value map[string]any, nodeID, _ string, _ int, _ string, _ bool) error {
	c.record(Frame{Kind: FrameInterrupt, NodeID: nodeID, Value: value})
	return nil
}

func (c *RecordingCallbacks) OnNodeEnd(_ context.Context, nodeID, _ string, result *node.RunResult, err error) error {
	c.record(Frame{Kind: FrameEnd, NodeID: nodeID, Result: result, Err: err})
	return nil
}

// Frames 返回全部回调
func (c *RecordingCallbacks) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// Of 返回某节点的某类回调
func (c *RecordingCallbacks) Of(nodeID, kind string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.NodeID == nodeID && f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Started 返回按顺序发出开始回调的节点
func (c *RecordingCallbacks) Started() []string {
	var out []string
	for _, f := range c.Frames() {
		if f.Kind == FrameStart {
			out = append(out, f.NodeID)
		}
	}
	return out
}

// Ended 返回按顺序发出结束回调的节点
func (c *RecordingCallbacks) Ended() []string {
	var out []string
	for _, f := range c.Frames() {
		if f.Kind == FrameEnd {
			out = append(out, f.NodeID)
		}
	}
	return out
}
