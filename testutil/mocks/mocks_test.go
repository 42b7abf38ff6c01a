package mocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowengine/testutil"
	"github.com/BaSui01/flowengine/workflow/node"
)

// =============================================================================
// 🤖 MockLLM
// =============================================================================

func TestMockLLM_ChunksReasoningUsage(t *testing.T) {
	m := NewMockLLM().
		WithChunks("a", "b").
		WithReasoning("think").
		WithUsage(3, 4)

	ch, err := m.Stream(testutil.TestContext(t), node.LLMRequest{NodeID: "spark-llm::1"})
	require.NoError(t, err)

	chunks := testutil.Collect(ch, time.Second)
	require.Len(t, chunks, 2)
	assert.Equal(t, "think", chunks[0].ReasoningContent)
	assert.Empty(t, chunks[1].ReasoningContent)
	assert.True(t, chunks[1].Done)
	require.NotNil(t, chunks[1].Usage)
	assert.Equal(t, 7, chunks[1].Usage.TotalTokens)

	assert.Equal(t, 1, m.CallCount())
	assert.Equal(t, "spark-llm::1", m.Calls()[0].NodeID)
}

func TestMockLLM_StreamFunc(t *testing.T) {
	custom := errors.New("custom")
	m := NewMockLLM().WithStreamFunc(func(context.Context, node.LLMRequest) (<-chan node.LLMChunk, error) {
		return nil, custom
	})

	_, err := m.Stream(context.Background(), node.LLMRequest{})
	assert.ErrorIs(t, err, custom)
	assert.Equal(t, 1, m.CallCount())

	m.Reset()
	assert.Zero(t, m.CallCount())
}

func TestMockLLM_DelayHonoursContext(t *testing.T) {
	m := NewMockLLM().WithDelay(time.Hour)

	ch, err := m.Stream(testutil.CancelledContext(), node.LLMRequest{})
	require.NoError(t, err)
	assert.Empty(t, testutil.Collect(ch, time.Second))
}

// =============================================================================
// 🔌 MockPlugin
// =============================================================================

func TestMockPlugin_RunFunc(t *testing.T) {
	m := NewMockPlugin().WithRunFunc(func(_ context.Context, req node.PluginRequest) (*node.PluginResponse, error) {
		return &node.PluginResponse{Result: map[string]any{"op": req.Operation}}, nil
	})

	resp, err := m.Run(context.Background(), node.PluginRequest{Operation: "search"})
	require.NoError(t, err)
	assert.Equal(t, "search", resp.Result["op"])
}

func TestMockPlugin_ResultIsCopied(t *testing.T) {
	m := NewMockPlugin().WithResult(map[string]any{"k": "v"}).WithCode(7)

	resp, err := m.Run(context.Background(), node.PluginRequest{})
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Code)
	resp.Result["k"] = "changed"

	resp, err = m.Run(context.Background(), node.PluginRequest{})
	require.NoError(t, err)
	assert.Equal(t, "v", resp.Result["k"])
}

func TestMockPlugin_DelayHonoursContext(t *testing.T) {
	m := NewMockPlugin().WithDelay(time.Hour)

	_, err := m.Run(testutil.CancelledContext(), node.PluginRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// 🧭 MockClassifier
// =============================================================================

func TestMockClassifier(t *testing.T) {
	intents := []node.Intent{
		{ID: "i-1", Name: "weather"},
		{ID: "i-0", Name: "default", IntentType: 1},
	}
	m := NewMockClassifier().WithIntent("rain?", "i-1")

	got, err := m.Classify(context.Background(), "rain?", intents)
	require.NoError(t, err)
	assert.Equal(t, node.Classification{IntentID: "i-1", ClassName: "weather"}, got)

	got, err = m.Classify(context.Background(), "hello", intents)
	require.NoError(t, err)
	assert.Empty(t, got.IntentID)

	m.WithError(assert.AnError)
	_, err = m.Classify(context.Background(), "rain?", intents)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, m.CallCount())
}

// =============================================================================
// 📝 RecordingCallbacks
// =============================================================================

func TestRecordingCallbacks(t *testing.T) {
	c := NewRecordingCallbacks("ev-1")
	ctx := context.Background()

	require.NoError(t, c.OnNodeStart(ctx, 0, "node-start::1", "start"))
	require.NoError(t, c.OnNodeEnd(ctx, "node-start::1", "start", &node.RunResult{NodeID: "node-start::1"}, nil))

	assert.Equal(t, "ev-1", c.EventID())
	assert.Equal(t, []string{"node-start::1"}, c.Started())
	assert.Equal(t, []string{"node-start::1"}, c.Ended())
	assert.Len(t, c.Frames(), 2)
}
