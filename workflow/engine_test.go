package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/testutil"
	"github.com/BaSui01/flowengine/testutil/fixtures"
	"github.com/BaSui01/flowengine/testutil/mocks"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/callback"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/node"
)

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// routedPlugins dispatches plugin calls to a mock per plugin id.
type routedPlugins map[string]*mocks.MockPlugin

func (r routedPlugins) Run(ctx context.Context, req node.PluginRequest) (*node.PluginResponse, error) {
	p, ok := r[req.PluginID]
	if !ok {
		return nil, errors.New("unknown plugin " + req.PluginID)
	}
	return p.Run(ctx, req)
}

func pluginNode(id, pluginID string, rc dsl.RetryConfig) dsl.Node {
	return fixtures.NewNode(id).
		Param("pluginId", pluginID).
		Param("operationId", "run").
		Out(fixtures.Out("result", types.SchemaTypeString)).
		Retry(rc).
		Build()
}

func buildEngine(t *testing.T, deps node.Deps, wf *dsl.Workflow) *Engine {
	t.Helper()
	e, err := NewBuilder(WithNodeRegistry(node.NewRegistry(deps))).Build(wf)
	require.NoError(t, err)
	return e
}

func runEngine(t *testing.T, e *Engine, inputs map[string]any) (*node.RunResult, *mocks.RecordingCallbacks, error) {
	t.Helper()
	cb := mocks.NewRecordingCallbacks("event-1")
	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)
	res, err := e.Run(ctx, RunRequest{Inputs: inputs, Callbacks: cb})
	return res, cb, err
}

// pluginFlow is start -> plugin::1 -> end, with the end node returning the
// plugin result.
func pluginFlow(rc dsl.RetryConfig) *dsl.Workflow {
	return fixtures.NewWorkflow("plugin-flow").
		Add(
			fixtures.Start("node-start::1", fixtures.Out("input", types.SchemaTypeString)),
			pluginNode("plugin::1", "flaky", rc),
			fixtures.End("node-end::1", fixtures.Ref("output", types.SchemaTypeString, "plugin::1", "result")),
		).
		Chain("node-start::1", "plugin::1", "node-end::1").
		Build()
}

// =============================================================================
// 🧪 基本运行
// =============================================================================

func TestEngine_RunLinear(t *testing.T) {
	t.Parallel()

	e := buildEngine(t, node.Deps{}, fixtures.Linear())
	res, cb, err := runEngine(t, e, map[string]any{"input": "hello"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "node-end::1", res.NodeID)
	assert.Equal(t, "hello", res.Outputs["output"])

	assert.Equal(t, []string{"node-start::1"}, cb.Started())
	assert.Equal(t, []string{"node-start::1", "node-end::1"}, cb.Ended())
}

func TestEngine_RunTwiceIsIndependent(t *testing.T) {
	t.Parallel()

	e := buildEngine(t, node.Deps{}, fixtures.Linear())
	first, _, err := runEngine(t, e, map[string]any{"input": "a"})
	require.NoError(t, err)
	second, _, err := runEngine(t, e, map[string]any{"input": "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", first.Outputs["output"])
	assert.Equal(t, "b", second.Outputs["output"])
}

func TestEngine_StartSchemaError(t *testing.T) {
	t.Parallel()

	e := buildEngine(t, node.Deps{}, fixtures.Linear())
	_, cb, err := runEngine(t, e, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, types.ErrStartNodeSchema, types.GetErrorCode(err))

	ends := cb.Of("node-start::1", mocks.FrameEnd)
	require.Len(t, ends, 1)
	assert.Error(t, ends[0].Err)
}

func TestEngine_RunWithoutCallbacks(t *testing.T) {
	t.Parallel()

	e := buildEngine(t, node.Deps{}, fixtures.Linear())
	_, err := e.Run(context.Background(), RunRequest{Inputs: map[string]any{"input": "x"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrEngineRun, types.GetErrorCode(err))
}

func TestEngine_PluginSuccess(t *testing.T) {
	t.Parallel()

	plugin := mocks.NewMockPlugin().WithResult(map[string]any{"result": "ok"})
	e := buildEngine(t, node.Deps{Plugin: routedPlugins{"flaky": plugin}}, pluginFlow(dsl.RetryConfig{}))

	res, cb, err := runEngine(t, e, map[string]any{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Outputs["output"])
	assert.Equal(t, 1, plugin.CallCount())
	assert.Equal(t, []string{"node-start::1", "plugin::1"}, cb.Started())
}

// =============================================================================
// 🔁 重试与兜底
// =============================================================================

func TestEngine_FailureWithoutRetryAborts(t *testing.T) {
	t.Parallel()

	plugin := mocks.NewMockPlugin().WithError(errors.New("boom"))
	e := buildEngine(t, node.Deps{Plugin: routedPlugins{"flaky": plugin}}, pluginFlow(dsl.RetryConfig{MaxRetries: 3}))

	_, cb, err := runEngine(t, e, map[string]any{"input": "x"})
	require.Error(t, err)
	assert.Equal(t, types.ErrPluginExecution, types.GetErrorCode(err))
	assert.Equal(t, 1, plugin.CallCount())

	ends := cb.Of("plugin::1", mocks.FrameEnd)
	require.Len(t, ends, 1)
	assert.Error(t, ends[0].Err)
	assert.Empty(t, cb.Of("node-end::1", mocks.FrameEnd))
}

func TestProperty_RetryBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)
	properties.Property("a failing node runs max_retries+1 times", prop.ForAll(
		func(k int) bool {
			plugin := mocks.NewMockPlugin().WithError(errors.New("boom"))
			wf := pluginFlow(dsl.RetryConfig{ShouldRetry: true, MaxRetries: k})
			e, err := NewBuilder(WithNodeRegistry(node.NewRegistry(node.Deps{Plugin: routedPlugins{"flaky": plugin}}))).Build(wf)
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err = e.Run(ctx, RunRequest{
				Inputs:    map[string]any{"input": "x"},
				Callbacks: mocks.NewRecordingCallbacks("event"),
			})
			return err != nil && plugin.CallCount() == k+1
		},
		gen.IntRange(0, 4),
	))
	properties.TestingRun(t)
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	plugin := mocks.NewMockPlugin().WithResult(map[string]any{"result": "ok"}).WithFailTimes(2)
	e := buildEngine(t, node.Deps{Plugin: routedPlugins{"flaky": plugin}},
		pluginFlow(dsl.RetryConfig{ShouldRetry: true, MaxRetries: 3}))

	res, _, err := runEngine(t, e, map[string]any{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Outputs["output"])
	assert.Equal(t, 3, plugin.CallCount())
}

func TestEngine_CustomReturn(t *testing.T) {
	t.Parallel()

	plugin := mocks.NewMockPlugin().WithError(errors.New("boom"))
	e := buildEngine(t, node.Deps{Plugin: routedPlugins{"flaky": plugin}}, pluginFlow(dsl.RetryConfig{
		ShouldRetry:   true,
		MaxRetries:    1,
		ErrorStrategy: dsl.ErrorStrategyCustomReturn,
		CustomOutput:  map[string]any{"result": "fallback"},
	}))

	res, cb, err := runEngine(t, e, map[string]any{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Outputs["output"])
	assert.Equal(t, 2, plugin.CallCount())

	ends := cb.Of("plugin::1", mocks.FrameEnd)
	require.Len(t, ends, 1)
	require.NotNil(t, ends[0].Result)
	assert.NoError(t, ends[0].Err)
	assert.Equal(t, int64(types.ErrPluginExecution), ends[0].Result.ErrorOutputs["errorCode"])
}

func TestEngine_TimeoutIsNotRetried(t *testing.T) {
	t.Parallel()

	plugin := mocks.NewMockPlugin().WithDelay(5 * time.Second)
	e := buildEngine(t, node.Deps{Plugin: routedPlugins{"flaky": plugin}}, pluginFlow(dsl.RetryConfig{
		Timeout:     0.05,
		ShouldRetry: true,
		MaxRetries:  3,
	}))

	start := time.Now()
	_, cb, err := runEngine(t, e, map[string]any{"input": "x"})
	require.Error(t, err)
	assert.True(t, types.IsTimeout(err))
	assert.Equal(t, types.ErrNodeTimeout, types.GetErrorCode(err))
	assert.Equal(t, 1, plugin.CallCount())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, cb.Of("plugin::1", mocks.FrameEnd), 1)
}

// llmFlow is start -> spark-llm::1 -> end, with the end node returning the
// completion.
func llmFlow(rc dsl.RetryConfig) *dsl.Workflow {
	return fixtures.NewWorkflow("llm-flow").
		Add(
			fixtures.Start("node-start::1", fixtures.RequiredOut("q", types.SchemaTypeString)),
			fixtures.NewNode("spark-llm::1").
				In(fixtures.Ref("q", types.SchemaTypeString, "node-start::1", "q")).
				Param("source", node.SourceXinghuo).
				Param("template", "{{q}}").
				Out(fixtures.Out("output", types.SchemaTypeString)).
				Retry(rc).
				Build(),
			fixtures.End("node-end::1", fixtures.Ref("answer", types.SchemaTypeString, "spark-llm::1", "output")),
		).
		Chain("node-start::1", "spark-llm::1", "node-end::1").
		Build()
}

// 流式节点同样受节点超时约束，且超时不重试
func TestEngine_StreamNodeTimeout(t *testing.T) {
	t.Parallel()

	llm := mocks.NewMockLLM().WithDelay(5 * time.Second)
	e := buildEngine(t, node.Deps{LLM: llm}, llmFlow(dsl.RetryConfig{
		Timeout:     0.3,
		ShouldRetry: true,
		MaxRetries:  3,
	}))

	start := time.Now()
	_, cb, err := runEngine(t, e, map[string]any{"q": "hi"})
	require.Error(t, err)
	assert.True(t, types.IsTimeout(err))
	assert.Equal(t, types.ErrNodeTimeout, types.GetErrorCode(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, llm.CallCount())

	ends := cb.Of("spark-llm::1", mocks.FrameEnd)
	require.Len(t, ends, 1)
	assert.True(t, types.IsTimeout(ends[0].Err))
}

// 首帧已发出后失败的流式节点不再重试
func TestEngine_StreamFailureAfterFirstTokenIsNotRetried(t *testing.T) {
	t.Parallel()

	llm := mocks.NewMockLLM().WithStreamFunc(func(ctx context.Context, _ node.LLMRequest) (<-chan node.LLMChunk, error) {
		ch := make(chan node.LLMChunk, 2)
		ch <- node.LLMChunk{Content: "par"}
		ch <- node.LLMChunk{Err: errors.New("connection reset")}
		close(ch)
		return ch, nil
	})
	e := buildEngine(t, node.Deps{LLM: llm}, llmFlow(dsl.RetryConfig{
		ShouldRetry: true,
		MaxRetries:  3,
	}))

	_, cb, err := runEngine(t, e, map[string]any{"q": "hi"})
	require.Error(t, err)
	assert.Equal(t, types.ErrLLMRequest, types.GetErrorCode(err))
	assert.Equal(t, 1, llm.CallCount())

	ends := cb.Of("spark-llm::1", mocks.FrameEnd)
	require.Len(t, ends, 1)
	assert.Error(t, ends[0].Err)
	assert.Empty(t, cb.Of("node-end::1", mocks.FrameEnd))
}

func TestEngine_FailBranch(t *testing.T) {
	t.Parallel()

	flaky := mocks.NewMockPlugin().WithError(errors.New("boom"))
	happy := mocks.NewMockPlugin().WithResult(map[string]any{"result": "happy"})
	rescue := mocks.NewMockPlugin().WithResult(map[string]any{"result": "rescued"})
	deps := node.Deps{Plugin: routedPlugins{"flaky": flaky, "happy": happy, "rescue": rescue}}

	wf := fixtures.NewWorkflow("fail-branch").
		Add(
			fixtures.Start("node-start::1", fixtures.Out("input", types.SchemaTypeString)),
			pluginNode("plugin::1", "flaky", dsl.RetryConfig{
				ShouldRetry:   true,
				ErrorStrategy: dsl.ErrorStrategyFailBranch,
			}),
			pluginNode("plugin::happy", "happy", dsl.RetryConfig{}),
			pluginNode("plugin::rescue", "rescue", dsl.RetryConfig{}),
			fixtures.End("node-end::1", fixtures.Ref("output", types.SchemaTypeString, "node-start::1", "input")),
		).
		Edge("node-start::1", "plugin::1").
		Edge("plugin::1", "plugin::happy").
		EdgeHandle("plugin::1", "plugin::rescue", dsl.FailBranchHandle).
		Edge("plugin::happy", "node-end::1").
		Edge("plugin::rescue", "node-end::1").
		Build()

	e := buildEngine(t, deps, wf)
	res, cb, err := runEngine(t, e, map[string]any{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Outputs["output"])
	assert.Equal(t, 1, flaky.CallCount())
	assert.Equal(t, 0, happy.CallCount())
	assert.Equal(t, 1, rescue.CallCount())
	assert.Empty(t, cb.Of("plugin::happy", mocks.FrameStart))
}

func TestEngine_FailBranchInactiveOnSuccess(t *testing.T) {
	t.Parallel()

	ok := mocks.NewMockPlugin().WithResult(map[string]any{"result": "fine"})
	rescue := mocks.NewMockPlugin()
	deps := node.Deps{Plugin: routedPlugins{"ok": ok, "rescue": rescue}}

	wf := fixtures.NewWorkflow("fail-branch-ok").
		Add(
			fixtures.Start("node-start::1", fixtures.Out("input", types.SchemaTypeString)),
			pluginNode("plugin::1", "ok", dsl.RetryConfig{ShouldRetry: true, ErrorStrategy: dsl.ErrorStrategyFailBranch}),
			pluginNode("plugin::rescue", "rescue", dsl.RetryConfig{}),
			fixtures.End("node-end::1", fixtures.Ref("output", types.SchemaTypeString, "plugin::1", "result")),
		).
		Edge("node-start::1", "plugin::1").
		Edge("plugin::1", "node-end::1").
		EdgeHandle("plugin::1", "plugin::rescue", dsl.FailBranchHandle).
		Edge("plugin::rescue", "node-end::1").
		Build()

	res, _, err := runEngine(t, buildEngine(t, deps, wf), map[string]any{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Outputs["output"])
	assert.Equal(t, 0, rescue.CallCount())
}

// =============================================================================
// 🌿 分支
// =============================================================================

func branchFlow() *dsl.Workflow {
	left := fixtures.Ref("score", types.SchemaTypeInteger, "node-start::1", "score")
	left.ID = "in-score"
	right := fixtures.Literal("limit", types.SchemaTypeInteger, "60")
	right.ID = "in-limit"
	cases := []any{
		map[string]any{"id": "branch_one_of::else", "level": 999, "logicalOperator": "and", "conditions": []any{}},
		map[string]any{
			"id": "branch_one_of::pass", "level": 1, "logicalOperator": "and",
			"conditions": []any{
				map[string]any{"leftVarIndex": "in-score", "rightVarIndex": "in-limit", "compareOperator": "ge"},
			},
		},
	}
	return fixtures.NewWorkflow("branch").
		Add(
			fixtures.Start("node-start::1", fixtures.RequiredOut("score", types.SchemaTypeInteger)),
			fixtures.NewNode("if-else::1").In(left, right).Param("cases", cases).Build(),
			pluginNode("plugin::a", "a", dsl.RetryConfig{}),
			pluginNode("plugin::b", "b", dsl.RetryConfig{}),
			fixtures.End("node-end::1", fixtures.Ref("score", types.SchemaTypeInteger, "node-start::1", "score")),
		).
		Edge("node-start::1", "if-else::1").
		EdgeHandle("if-else::1", "plugin::a", "branch_one_of::pass").
		EdgeHandle("if-else::1", "plugin::b", "branch_one_of::else").
		Edge("plugin::a", "node-end::1").
		Edge("plugin::b", "node-end::1").
		Build()
}

func TestEngine_BranchNotTakenIsNotEvaluated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		score int64
		wantA int
		wantB int
	}{
		{"pass", 75, 1, 0},
		{"else", 20, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := mocks.NewMockPlugin(), mocks.NewMockPlugin()
			e := buildEngine(t, node.Deps{Plugin: routedPlugins{"a": a, "b": b}}, branchFlow())

			res, cb, err := runEngine(t, e, map[string]any{"score": tt.score})
			require.NoError(t, err)
			assert.Equal(t, tt.score, res.Outputs["score"])
			assert.Equal(t, tt.wantA, a.CallCount())
			assert.Equal(t, tt.wantB, b.CallCount())
			if tt.wantB == 0 {
				assert.Empty(t, cb.Of("plugin::b", mocks.FrameStart))
			}
		})
	}
}

func TestEngine_BranchNotFound(t *testing.T) {
	t.Parallel()

	wf := branchFlow()
	// 去掉 else 出边
	edges := wf.Edges[:0]
	for _, edge := range wf.Edges {
		if edge.SourceHandle != "branch_one_of::else" {
			edges = append(edges, edge)
		}
	}
	wf.Edges = edges

	e := buildEngine(t, node.Deps{Plugin: routedPlugins{"a": mocks.NewMockPlugin(), "b": mocks.NewMockPlugin()}}, wf)
	_, _, err := runEngine(t, e, map[string]any{"score": int64(10)})
	require.Error(t, err)
	assert.True(t, types.IsStructural(err))
	assert.Contains(t, err.Error(), "branch not found")
}

// =============================================================================
// 📨 输出节点
// =============================================================================

func TestEngine_MessageStreamsLLMOutput(t *testing.T) {
	t.Parallel()

	llm := mocks.NewMockLLM().WithChunks("Hel", "lo", " world")
	wf := fixtures.NewWorkflow("message").
		Add(
			fixtures.Start("node-start::1", fixtures.RequiredOut("q", types.SchemaTypeString)),
			fixtures.NewNode("spark-llm::1").
				In(fixtures.Ref("q", types.SchemaTypeString, "node-start::1", "q")).
				Param("source", node.SourceXinghuo).
				Param("template", "{{q}}").
				Out(fixtures.Out("output", types.SchemaTypeString)).
				Build(),
			fixtures.NewNode("message::1").
				In(fixtures.Ref("answer", types.SchemaTypeString, "spark-llm::1", "output")).
				Param("template", "{{answer}}").
				Build(),
			fixtures.End("node-end::1", fixtures.Ref("answer", types.SchemaTypeString, "spark-llm::1", "output")),
		).
		Chain("node-start::1", "spark-llm::1", "message::1", "node-end::1").
		Build()

	res, cb, err := runEngine(t, buildEngine(t, node.Deps{LLM: llm}, wf), map[string]any{"q": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", res.Outputs["answer"])
	assert.Equal(t, 1, llm.CallCount())

	var streamed strings.Builder
	for _, f := range cb.Of("message::1", mocks.FrameProcess) {
		streamed.WriteString(f.Content)
	}
	ends := cb.Of("message::1", mocks.FrameEnd)
	require.Len(t, ends, 1)
	streamed.WriteString(ends[0].Result.NodeAnswerContent)
	assert.Equal(t, "Hello world", streamed.String())

	// 消息节点只执行一次
	assert.Len(t, cb.Of("message::1", mocks.FrameStart), 1)
	assert.Len(t, cb.Of("node-end::1", mocks.FrameEnd), 1)
}

// =============================================================================
// 🔄 迭代
// =============================================================================

func TestEngine_Iteration(t *testing.T) {
	t.Parallel()

	wf := fixtures.NewWorkflow("iteration").
		Add(
			fixtures.Start("node-start::1", fixtures.RequiredOut("items", types.SchemaTypeArray)),
			fixtures.NewNode("iteration::1").
				In(fixtures.Ref("items", types.SchemaTypeArray, "node-start::1", "items")).
				Param("IterationStartNodeId", "iteration-node-start::1").
				Out(fixtures.Out("out", types.SchemaTypeArray)).
				Build(),
			fixtures.NewNode("iteration-node-start::1").
				Out(fixtures.Out("items", types.SchemaTypeString)).
				Build(),
			fixtures.NewNode("iteration-node-end::1").
				In(fixtures.Ref("out", types.SchemaTypeString, "iteration-node-start::1", "items")).
				Build(),
			fixtures.End("node-end::1", fixtures.Ref("out", types.SchemaTypeArray, "iteration::1", "out")),
		).
		Chain("node-start::1", "iteration::1", "node-end::1").
		Chain("iteration-node-start::1", "iteration-node-end::1").
		Build()

	res, _, err := runEngine(t, buildEngine(t, node.Deps{}, wf), map[string]any{"items": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, res.Outputs["out"])
}

// 迭代体内的消息节点每一轮都要完整输出到客户端
func TestEngine_IterationMessageStreamsEveryItem(t *testing.T) {
	t.Parallel()

	wf := fixtures.NewWorkflow("iteration-message").
		Add(
			fixtures.Start("node-start::1", fixtures.RequiredOut("items", types.SchemaTypeArray)),
			fixtures.NewNode("iteration::1").
				In(fixtures.Ref("items", types.SchemaTypeArray, "node-start::1", "items")).
				Param("IterationStartNodeId", "iteration-node-start::1").
				Out(fixtures.Out("out", types.SchemaTypeArray)).
				Build(),
			fixtures.NewNode("iteration-node-start::1").
				Out(fixtures.Out("items", types.SchemaTypeString)).
				Build(),
			fixtures.NewNode("message::1").
				In(fixtures.Ref("item", types.SchemaTypeString, "iteration-node-start::1", "items")).
				Param("template", "{{item}}").
				Build(),
			fixtures.NewNode("iteration-node-end::1").
				In(fixtures.Ref("out", types.SchemaTypeString, "iteration-node-start::1", "items")).
				Build(),
			fixtures.End("node-end::1", fixtures.Ref("out", types.SchemaTypeArray, "iteration::1", "out")),
		).
		Chain("node-start::1", "iteration::1", "node-end::1").
		Chain("iteration-node-start::1", "message::1", "iteration-node-end::1").
		Build()

	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)
	e := buildEngine(t, node.Deps{}, wf)
	chains := e.NewChains()
	h := callback.NewHandler(callback.Config{
		SID:           "sid-1",
		EventID:       "event-1",
		FlowID:        "iteration-message",
		Chains:        chains,
		EndOutputMode: e.EndOutputMode(),
	})
	h.Start(ctx)
	require.NoError(t, h.OnWorkflowStart(ctx))

	res, err := e.Run(ctx, RunRequest{
		Inputs:    map[string]any{"items": []any{"a", "b", "c"}},
		Callbacks: h,
		Chains:    chains,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, res.Outputs["out"])
	require.NoError(t, h.OnWorkflowEnd(ctx, res))

	// 按轮次拼接消息节点的输出
	var (
		rounds  []string
		current strings.Builder
	)
	for {
		f, err := h.Recv(ctx)
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		require.NoError(t, err)
		if f.NodeID() != "message::1" || f.WorkflowStep == nil || f.WorkflowStep.Node == nil {
			continue
		}
		current.WriteString(f.Content())
		if f.WorkflowStep.Node.FinishReason == callback.FlowFinishReason {
			rounds = append(rounds, current.String())
			current.Reset()
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, rounds)
}

// =============================================================================
// 📡 回调处理器端到端
// =============================================================================

func TestEngine_WithCallbackHandler(t *testing.T) {
	t.Parallel()

	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)
	e := buildEngine(t, node.Deps{}, fixtures.Linear())
	chains := e.NewChains()
	h := callback.NewHandler(callback.Config{
		SID:           "sid-1",
		EventID:       "event-1",
		FlowID:        "linear",
		Chains:        chains,
		EndOutputMode: e.EndOutputMode(),
	})
	h.Start(ctx)
	require.NoError(t, h.OnWorkflowStart(ctx))

	res, err := e.Run(ctx, RunRequest{Inputs: map[string]any{"input": "hello"}, Callbacks: h, Chains: chains})
	require.NoError(t, err)
	require.NoError(t, h.OnWorkflowEnd(ctx, res))

	var frames []*callback.Frame
	for {
		f, err := h.Recv(ctx)
		if errors.Is(err, channel.ErrClosed) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.NotEmpty(t, frames)

	seq := 0
	for _, f := range frames {
		if f.WorkflowStep == nil {
			continue
		}
		assert.Equal(t, seq, f.WorkflowStep.Seq)
		seq++
		assert.GreaterOrEqual(t, f.WorkflowStep.Progress, 0.0)
		assert.LessOrEqual(t, f.WorkflowStep.Progress, 1.0)
	}
	last := frames[len(frames)-1]
	assert.Equal(t, callback.WorkflowNodeID, last.NodeID())
	assert.Equal(t, callback.FlowFinishReason, last.FinishReason())

	var sawEnd bool
	for _, f := range frames {
		if f.NodeID() == "node-end::1" {
			sawEnd = true
		}
	}
	assert.True(t, sawEnd)
}

// =============================================================================
// 💾 序列化
// =============================================================================

func TestEngine_DumpsLoads(t *testing.T) {
	t.Parallel()

	wf := fixtures.Linear()
	wf.UpdatedAt = 1700000000123
	b := NewBuilder()
	e, err := b.Build(wf)
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000123, e.BuildTimestamp())

	blob := e.Dumps()
	require.NotEmpty(t, blob)

	loaded, ts := Loads(blob, b)
	require.NotNil(t, loaded)
	assert.EqualValues(t, 1700000000123, ts)
	assert.Equal(t, e.StartNodeID(), loaded.StartNodeID())

	res, _, err := runEngine(t, loaded, map[string]any{"input": "again"})
	require.NoError(t, err)
	assert.Equal(t, "again", res.Outputs["output"])
}

// 序列化失败时返回 nil，并在 workflow.dumps span 上记录错误
func TestEngine_DumpsFailureIsTraced(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, err := NewBuilder(WithTelemetry(telemetry.NewOTel(tp.Tracer("test"), nil))).Build(fixtures.Linear())
	require.NoError(t, err)

	require.NotNil(t, e.Dumps())
	n := &e.wf.Nodes[0]
	if n.Data.NodeParam == nil {
		n.Data.NodeParam = map[string]any{}
	}
	n.Data.NodeParam["unencodable"] = make(chan int)
	assert.Nil(t, e.Dumps())

	var dumps []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "workflow.dumps" {
			dumps = append(dumps, s)
		}
	}
	require.Len(t, dumps, 2)
	assert.Equal(t, codes.Unset, dumps[0].Status().Code)
	assert.Equal(t, codes.Error, dumps[1].Status().Code)
	require.NotEmpty(t, dumps[1].Events())
	assert.Equal(t, "exception", dumps[1].Events()[0].Name)
}

func TestEngine_BuildTimestampDefaultsToNow(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	b.now = func() time.Time { return time.UnixMilli(42) }
	e, err := b.Build(fixtures.Linear())
	require.NoError(t, err)
	assert.EqualValues(t, 42, e.BuildTimestamp())
}

func TestLoads_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not json")},
		{"wrong version", []byte(`{"version":99,"build_timestamp":1,"workflow":{"id":"x"}}`)},
		{"no workflow", []byte(`{"version":1,"build_timestamp":1}`)},
		{"invalid workflow", []byte(`{"version":1,"build_timestamp":1,"workflow":{"id":"x","nodes":[]}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ts := Loads(tt.blob, NewBuilder())
			assert.Nil(t, e)
			assert.Zero(t, ts)
		})
	}
}

func TestBuilder_Errors(t *testing.T) {
	t.Parallel()

	noStart := fixtures.NewWorkflow("no-start").
		Add(fixtures.End("node-end::1")).
		Build()
	_, err := NewBuilder().Build(noStart)
	require.Error(t, err)
	assert.Equal(t, types.ErrEngineBuild, types.GetErrorCode(err))

	dup := fixtures.Linear()
	dup.Nodes = append(dup.Nodes, dup.Nodes[1])
	_, err = NewBuilder().Build(dup)
	require.Error(t, err)

	_, err = NewBuilder().Build(nil)
	require.Error(t, err)
}
