package workflow

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/chain"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/node"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// links 节点的出入边
type links struct {
	next []string
	// fail 异常分支后继
	fail []string
	pre  []string
	// classify maps a source handle to the successors it selects.
	classify map[string][]string
}

func (l *links) isFailTarget(id string) bool {
	return contains(l.fail, id)
}

// Builder 从工作流协议构建引擎
type Builder struct {
	registry  *node.Registry
	telemetry telemetry.Telemetry
	metrics   *metrics.Collector
	logger    *zap.Logger
	clamp     bool
	now       func() time.Time

	// nodeTimeout 协议未配置超时时的节点超时
	nodeTimeout time.Duration
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithNodeRegistry sets the node factories.
func WithNodeRegistry(r *node.Registry) BuilderOption {
	return func(b *Builder) { b.registry = r }
}

// WithTelemetry sets the tracer handed to engines.
func WithTelemetry(t telemetry.Telemetry) BuilderOption {
	return func(b *Builder) { b.telemetry = t }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) BuilderOption {
	return func(b *Builder) { b.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// WithClampProgress bounds frame progress to [0,1].
func WithClampProgress(clamp bool) BuilderOption {
	return func(b *Builder) { b.clamp = clamp }
}

// WithDefaultNodeTimeout sets the timeout of nodes whose retry config has
// none. Zero keeps the protocol default.
func WithDefaultNodeTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) { b.nodeTimeout = d }
}

// NewBuilder creates a builder. Without options nodes are created with no
// external clients and observability is off.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{clamp: true, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = node.NewRegistry(node.Deps{})
	}
	if b.telemetry == nil {
		b.telemetry = telemetry.Noop()
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Build creates an engine stamped with the workflow's update time, or the
// current time when the workflow carries none.
func (b *Builder) Build(wf *dsl.Workflow) (*Engine, error) {
	if wf == nil {
		return nil, types.NewStructuralError(types.ErrEngineBuild, "workflow is nil")
	}
	ts := wf.UpdatedAt
	if ts == 0 {
		ts = b.now().UnixMilli()
	}
	return b.build(wf, ts)
}

func (b *Builder) build(wf *dsl.Workflow, buildTimestamp int64) (*Engine, error) {
	if len(wf.Nodes) == 0 {
		return nil, types.NewStructuralError(types.ErrProtocolValidate, "node configuration information not found")
	}
	// 解析协议中的输入输出，字面量类型不符在构建期报错
	if _, err := variable.NewPool(wf.Nodes); err != nil {
		return nil, err
	}
	chains, err := chain.Build(wf, chain.WithClampProgress(b.clamp))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		wf:              wf,
		nodes:           make(map[string]node.Node, len(wf.Nodes)),
		links:           make(map[string]*links, len(wf.Nodes)),
		iterationStarts: make(map[string]string),
		chains:          chains,
		endMode:         node.EndOutputVariable,
		buildTimestamp:  buildTimestamp,
		nodeTimeout:     b.nodeTimeout,
		errors:          NewErrorChain(b.metrics, b.logger),
		telemetry:       b.telemetry,
		metrics:         b.metrics,
		logger:          b.logger.With(zap.String("component", "workflow_engine"), zap.String("flow_id", wf.ID)),
	}
	if err := b.buildNodes(e); err != nil {
		return nil, err
	}
	if err := b.buildLinks(e); err != nil {
		return nil, err
	}
	e.outputDeps, e.dataPaths = buildOutputDeps(wf, chains)
	e.streamProducers = streamProducers(e.outputDeps)

	b.logger.Debug("workflow engine built",
		zap.String("flow_id", wf.ID),
		zap.Int("nodes", len(e.nodes)),
		zap.Int("simple_paths", len(chains.Master)),
		zap.Int64("build_timestamp", buildTimestamp),
	)
	return e, nil
}

func (b *Builder) buildNodes(e *Engine) error {
	for _, dn := range e.wf.Nodes {
		if _, dup := e.nodes[dn.ID]; dup {
			return types.NewStructuralError(types.ErrEngineBuild,
				fmt.Sprintf("node %s duplicate build", dn.ID)).WithNodeID(dn.ID)
		}
		n, err := b.registry.Create(dn)
		if err != nil {
			return err
		}
		e.nodes[dn.ID] = n
		e.links[dn.ID] = &links{classify: make(map[string][]string)}

		switch v := n.(type) {
		case *node.End:
			e.endMode = v.Mode()
		case *node.Iteration:
			e.iterationStarts[dn.ID] = v.StartNodeID()
		}
		if dn.Type() == dsl.NodeTypeStart {
			e.startID = dn.ID
		}
	}
	if e.startID == "" {
		return types.NewStructuralError(types.ErrEngineBuild, "start node does not exist")
	}
	for iterID, startID := range e.iterationStarts {
		if _, ok := e.nodes[startID]; !ok {
			return types.NewStructuralError(types.ErrEngineBuild,
				fmt.Sprintf("iteration start node %s does not exist", startID)).WithNodeID(iterID)
		}
	}
	return nil
}

func (b *Builder) buildLinks(e *Engine) error {
	for _, edge := range e.wf.Edges {
		src, ok := e.links[edge.SourceNodeID]
		if !ok {
			return types.NewStructuralError(types.ErrEngineBuild, "node not found "+edge.SourceNodeID)
		}
		dst, ok := e.links[edge.TargetNodeID]
		if !ok {
			return types.NewStructuralError(types.ErrEngineBuild, "node not found "+edge.TargetNodeID)
		}
		dst.pre = appendUnique(dst.pre, edge.SourceNodeID)
		if edge.IsFailBranch() {
			src.fail = appendUnique(src.fail, edge.TargetNodeID)
			continue
		}
		src.next = appendUnique(src.next, edge.TargetNodeID)
		if h := edge.Handle(); h != "" {
			src.classify[h] = appendUnique(src.classify[h], edge.TargetNodeID)
		}
	}
	return nil
}

// =============================================================================
// 📨 输出节点依赖
// =============================================================================

// buildOutputDeps computes, for every ordering-relevant node, the upstream
// nodes of the same kind it must wait for, and for output nodes the nodes
// their inputs reference. paths records which references reach the output
// node without crossing a fail edge.
func buildOutputDeps(wf *dsl.Workflow, chains *chain.Chains) (map[string]*node.OutputDeps, map[string]map[string]bool) {
	merged := make(map[string]map[string]bool)
	order := []string{}

	collect := func(cs *chain.Chains) {
		for _, c := range cs.Master {
			perChain := map[string]map[string]bool{}
			for i := len(c.NodeIDs) - 1; i >= 0; i-- {
				id := c.NodeIDs[i]
				if !ordersOutput(wf, chains, id) {
					continue
				}
				for _, deps := range perChain {
					deps[id] = true
				}
				perChain[id] = map[string]bool{}
			}
			for id, deps := range perChain {
				if _, ok := merged[id]; !ok {
					merged[id] = map[string]bool{}
					order = append(order, id)
				}
				for d := range deps {
					merged[id][d] = true
				}
			}
		}
	}
	collect(chains)
	for _, sub := range chains.Iteration {
		collect(sub)
	}

	out := make(map[string]*node.OutputDeps, len(merged))
	for _, id := range order {
		out[id] = &node.OutputDeps{NodeDep: setToSorted(merged[id])}
	}

	paths := make(map[string]map[string]bool)
	for _, dn := range wf.Nodes {
		if !dn.Type().IsOutput() {
			continue
		}
		deps, ok := out[dn.ID]
		if !ok {
			deps = &node.OutputDeps{}
			out[dn.ID] = deps
		}
		for _, in := range dn.Data.Inputs {
			ref, ok := in.Schema.Value.Ref()
			if !ok {
				continue
			}
			deps.DataDep = appendUnique(deps.DataDep, ref.NodeID)
			if hasNormalPath(wf, ref.NodeID, dn.ID) {
				if paths[dn.ID] == nil {
					paths[dn.ID] = map[string]bool{}
				}
				paths[dn.ID][ref.NodeID] = true
			}
		}
	}
	return out, paths
}

// ordersOutput reports whether id takes part in output ordering: output
// nodes, branch nodes, fail-branch nodes and iterations that emit messages.
func ordersOutput(wf *dsl.Workflow, chains *chain.Chains, id string) bool {
	switch dsl.TypeOf(id) {
	case dsl.NodeTypeMessage, dsl.NodeTypeEnd, dsl.NodeTypeIfElse, dsl.NodeTypeDecision, dsl.NodeTypeQuestionAnswer:
		return true
	case dsl.NodeTypeIteration:
		sub, ok := chains.Iteration[id]
		if !ok {
			return false
		}
		for _, c := range sub.Master {
			for _, nid := range c.NodeIDs {
				if dsl.TypeOf(nid) == dsl.NodeTypeMessage {
					return true
				}
			}
		}
		return false
	}
	n, ok := wf.NodeByID(id)
	if !ok {
		return false
	}
	rc := n.Data.RetryConfig
	return rc.ShouldRetry && rc.ErrorStrategy == dsl.ErrorStrategyFailBranch
}

// hasNormalPath reports whether target is reachable from source without
// taking a fail edge.
func hasNormalPath(wf *dsl.Workflow, source, target string) bool {
	graph := make(map[string][]dsl.Edge)
	for _, e := range wf.Edges {
		graph[e.SourceNodeID] = append(graph[e.SourceNodeID], e)
	}
	visited := map[string]bool{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if id == target {
			return true
		}
		visited[id] = true
		for _, e := range graph[id] {
			if visited[e.TargetNodeID] || e.IsFailBranch() {
				continue
			}
			if dfs(e.TargetNodeID) {
				return true
			}
		}
		return false
	}
	return dfs(source)
}

// streamProducers lists, per output node, the referenced nodes that feed
// stream data.
func streamProducers(deps map[string]*node.OutputDeps) map[string][]string {
	out := make(map[string][]string)
	for id, d := range deps {
		if !dsl.TypeOf(id).IsOutput() {
			continue
		}
		for _, ref := range d.DataDep {
			if dsl.TypeOf(ref).IsStreamCapable() {
				out[id] = append(out[id], ref)
			}
		}
	}
	return out
}

func appendUnique(s []string, v string) []string {
	if contains(s, v) {
		return s
	}
	return append(s, v)
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func setToSorted(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
