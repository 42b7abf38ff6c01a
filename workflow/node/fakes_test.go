package node

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// =============================================================================
// 🎭 测试替身
// =============================================================================

type recordedFrame struct {
	kind      string
	nodeID    string
	content   string
	reasoning string
	value     map[string]any
	result    *RunResult
}

type recordingCallbacks struct {
	mu      sync.Mutex
	eventID string
	frames  []recordedFrame
	// interrupted is closed on the first interrupt frame.
	interrupted chan struct{}
	once        sync.Once
}

func newRecordingCallbacks(eventID string) *recordingCallbacks {
	return &recordingCallbacks{eventID: eventID, interrupted: make(chan struct{})}
}

func (c *recordingCallbacks) record(f recordedFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *recordingCallbacks) EventID() string { return c.eventID }

func (c *recordingCallbacks) OnNodeStart(_ context.Context, _ int, nodeID, _ string) error {
	c.record(recordedFrame{kind: "start", nodeID: nodeID})
	return nil
}

func (c *recordingCallbacks) OnNodeProcess(_ context.Context, _ int, nodeID, _, content, reasoning string) error {
	c.record(recordedFrame{kind: "process", nodeID: nodeID, content: content, reasoning: reasoning})
	return nil
}

func (c *recordingCallbacks) OnNodeInterrupt(_ context.Context, _ string, value map[string]any, nodeID, _ string, _ int, _ string, _ bool) error {
	c.record(recordedFrame{kind: "interrupt", nodeID: nodeID, value: value})
	c.once.Do(func() { close(c.interrupted) })
	return nil
}

func (c *recordingCallbacks) OnNodeEnd(_ context.Context, nodeID, _ string, result *RunResult, _ error) error {
	c.record(recordedFrame{kind: "end", nodeID: nodeID, result: result})
	return nil
}

func (c *recordingCallbacks) snapshot() []recordedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedFrame(nil), c.frames...)
}

func (c *recordingCallbacks) kinds() []string {
	var out []string
	for _, f := range c.snapshot() {
		out = append(out, f.kind)
	}
	return out
}

type fakeLLM struct {
	chunks []LLMChunk
	err    error
	mu     sync.Mutex
	reqs   []LLMRequest
}

func (f *fakeLLM) Stream(_ context.Context, req LLMRequest) (<-chan LLMChunk, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan LLMChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeClassifier struct {
	result Classification
	err    error
}

func (f fakeClassifier) Classify(context.Context, string, []Intent) (Classification, error) {
	return f.result, f.err
}

type fakePlugin struct {
	resp *PluginResponse
	err  error
	last PluginRequest
}

func (f *fakePlugin) Run(_ context.Context, req PluginRequest) (*PluginResponse, error) {
	f.last = req
	return f.resp, f.err
}

type fakeStreamingPlugin struct {
	fakePlugin
	chunks []PluginChunk
}

func (f *fakeStreamingPlugin) Stream(_ context.Context, req PluginRequest) (<-chan PluginChunk, error) {
	f.last = req
	ch := make(chan PluginChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type iterationFunc func(ctx context.Context, id string, pool *variable.Pool, inputs map[string]any) (*RunResult, error)

func (f iterationFunc) RunIteration(ctx context.Context, id string, pool *variable.Pool, inputs map[string]any) (*RunResult, error) {
	return f(ctx, id, pool, inputs)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func newRunContext(t *testing.T, nodes ...dsl.Node) *RunContext {
	t.Helper()
	pool, err := variable.NewPool(nodes)
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return &RunContext{Pool: pool, Statuses: NewStatuses(ids)}
}

func initStart(t *testing.T, rc *RunContext, startID string, values map[string]any) {
	t.Helper()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	require.NoError(t, rc.Pool.AddInitVariable(startID, keys, values))
}

func mustCreate(t *testing.T, deps Deps, n dsl.Node) Node {
	t.Helper()
	node, err := NewRegistry(deps).Create(n)
	require.NoError(t, err)
	return node
}

func commit(t *testing.T, rc *RunContext, n Node, res *RunResult) {
	t.Helper()
	require.True(t, res.Succeeded(), "node %s failed: %v", n.ID(), res.Err())
	keys := make([]string, 0, len(res.Outputs))
	for k := range res.Outputs {
		keys = append(keys, k)
	}
	require.NoError(t, rc.Pool.AddVariable(n.ID(), keys, res.Outputs, res.ErrorOutputs))
	rc.Statuses.Of(n.ID()).Complete.Set()
}

var usage = &types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
