package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/chain"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/event"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// Node 可执行节点
type Node interface {
	ID() string
	Alias() string
	Type() dsl.NodeType
	Data() *dsl.NodeData
	// Execute runs the node once. A node-level failure is reported as a
	// failed RunResult; the returned error is reserved for failures the node
	// could not even describe.
	Execute(ctx context.Context, rc *RunContext) (*RunResult, error)
}

// Callbacks is the frame sink a node reports to. The callback handler of a
// run implements it.
type Callbacks interface {
	EventID() string
	OnNodeStart(ctx context.Context, code int, nodeID, alias string) error
	OnNodeProcess(ctx context.Context, code int, nodeID, alias, content, reasoning string) error
	OnNodeInterrupt(ctx context.Context, eventID string, value map[string]any, nodeID, alias string, code int, finishReason string, needReply bool) error
	OnNodeEnd(ctx context.Context, nodeID, alias string, result *RunResult, err error) error
}

// IterationRunner runs the sub-graph of an iteration node once for a single
// batch item on the given (already forked) pool.
type IterationRunner interface {
	RunIteration(ctx context.Context, iterationNodeID string, pool *variable.Pool, inputs map[string]any) (*RunResult, error)
}

// RunStatus 节点运行时信号
type RunStatus struct {
	// PreProcessing 输出节点被提前拉起
	PreProcessing *channel.Latch
	// Processing 节点开始执行
	Processing *channel.Latch
	// Complete 节点执行结束（成功、失败或未运行）
	Complete *channel.Latch
	// NotRun 节点所在路径全部失效，逻辑上结束但未执行
	NotRun *channel.Latch
	// StartWithThread 节点已被派发，保证只派发一次
	StartWithThread *channel.Latch
	// FirstToken 流式节点发出首帧
	FirstToken *channel.Latch
}

// NewRunStatus creates unset signals.
func NewRunStatus() *RunStatus {
	return &RunStatus{
		PreProcessing:   channel.NewLatch(),
		Processing:      channel.NewLatch(),
		Complete:        channel.NewLatch(),
		NotRun:          channel.NewLatch(),
		StartWithThread: channel.NewLatch(),
		FirstToken:      channel.NewLatch(),
	}
}

// Statuses maps node id to its signals. It is filled before a run starts and
// only read afterwards.
type Statuses map[string]*RunStatus

// NewStatuses creates signals for every id.
func NewStatuses(ids []string) Statuses {
	s := make(Statuses, len(ids))
	for _, id := range ids {
		s[id] = NewRunStatus()
	}
	return s
}

// Of returns the signals of nodeID. Unknown ids get already-finished signals
// so waiters never block on a node outside the run.
func (s Statuses) Of(nodeID string) *RunStatus {
	if st, ok := s[nodeID]; ok {
		return st
	}
	st := NewRunStatus()
	st.Processing.Set()
	st.Complete.Set()
	st.NotRun.Set()
	return st
}

// OutputDeps 输出节点（message/end）的依赖
type OutputDeps struct {
	// NodeDep 上游输出节点，需先于本节点完成以保证输出顺序
	NodeDep []string
	// DataDep 模板引用的节点
	DataDep []string
}

// RunContext carries everything a node needs for one execution.
type RunContext struct {
	Pool       *variable.Pool
	Callbacks  Callbacks
	Span       telemetry.Span
	Logger     *zap.Logger
	Chains     *chain.Chains
	Registry   event.Registry
	Statuses   Statuses
	OutputDeps map[string]*OutputDeps
	Iteration  IterationRunner
}

func (rc *RunContext) logger() *zap.Logger {
	if rc.Logger == nil {
		return zap.NewNop()
	}
	return rc.Logger
}

func (rc *RunContext) span() telemetry.Span {
	if rc.Span == nil {
		return telemetry.NoopSpan()
	}
	return rc.Span
}

// Base 节点公共字段与工具方法，具体节点嵌入使用
type Base struct {
	id       string
	alias    string
	nodeType dsl.NodeType
	data     dsl.NodeData
}

// NewBase creates the shared part of a node.
func NewBase(n dsl.Node) Base {
	return Base{
		id:       n.ID,
		alias:    n.Data.NodeMeta.AliasName,
		nodeType: n.Type(),
		data:     n.Data,
	}
}

func (b *Base) ID() string          { return b.id }
func (b *Base) Alias() string       { return b.alias }
func (b *Base) Type() dsl.NodeType  { return b.nodeType }
func (b *Base) Data() *dsl.NodeData { return &b.data }

// OutputNames returns the declared output names in protocol order.
func (b *Base) OutputNames() []string {
	names := make([]string, 0, len(b.data.Outputs))
	for _, o := range b.data.Outputs {
		names = append(names, o.Name)
	}
	return names
}

// InputNames returns the declared input names in protocol order.
func (b *Base) InputNames() []string {
	names := make([]string, 0, len(b.data.Inputs))
	for _, in := range b.data.Inputs {
		names = append(names, in.Name)
	}
	return names
}

// inputValues resolves every declared input of the node.
func (b *Base) inputValues(pool *variable.Pool) (map[string]any, error) {
	values := make(map[string]any, len(b.data.Inputs))
	for _, in := range b.data.Inputs {
		v, err := pool.GetVariable(b.id, in.Name)
		if err != nil {
			return values, err
		}
		values[in.Name] = v
	}
	return values, nil
}

// PutStreamContent marks the first token of a streaming node and hands one
// provider frame to every output node reading from it.
func (b *Base) PutStreamContent(rc *RunContext, domain string, resp map[string]any) {
	if !rc.Pool.StreamNodeHasSentFirstToken(b.id) {
		rc.Pool.SetStreamNodeHasSentFirstToken(b.id)
	}
	if rc.Statuses != nil {
		rc.Statuses.Of(b.id).FirstToken.Set()
	}
	rc.Pool.Stream().Publish(b.id, variable.StreamMsg{Domain: domain, Response: resp})
}

// =============================================================================
// 🏭 节点注册表
// =============================================================================

// Deps 节点依赖的外部协作方
type Deps struct {
	LLM        LLMClient
	Classifier Classifier
	Plugin     PluginClient
}

// Factory 根据协议创建节点
type Factory func(n dsl.Node, deps Deps) (Node, error)

// Registry maps node types to factories.
type Registry struct {
	deps      Deps
	factories map[dsl.NodeType]Factory
}

// NewRegistry creates a registry with every built-in node kind.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, factories: make(map[dsl.NodeType]Factory)}
	r.Register(dsl.NodeTypeStart, NewStart)
	r.Register(dsl.NodeTypeIterationStart, NewIterationStart)
	r.Register(dsl.NodeTypeEnd, NewEnd)
	r.Register(dsl.NodeTypeIterationEnd, NewIterationEnd)
	r.Register(dsl.NodeTypeMessage, NewMessage)
	r.Register(dsl.NodeTypeIfElse, NewIfElse)
	r.Register(dsl.NodeTypeDecision, NewDecision)
	r.Register(dsl.NodeTypeQuestionAnswer, NewQuestionAnswer)
	r.Register(dsl.NodeTypeLLM, NewLLM)
	r.Register(dsl.NodeTypePlugin, NewPlugin)
	r.Register(dsl.NodeTypeIteration, NewIteration)
	return r
}

// Register adds or replaces the factory of a node type.
func (r *Registry) Register(t dsl.NodeType, f Factory) {
	r.factories[t] = f
}

// Create builds a node from its protocol.
func (r *Registry) Create(n dsl.Node) (Node, error) {
	f, ok := r.factories[n.Type()]
	if !ok {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			"unsupported node type: "+string(n.Type())).WithNodeID(n.ID)
	}
	return f(n, r.deps)
}
