package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/chain"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/event"
	"github.com/BaSui01/flowengine/workflow/node"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// continueOnError 支持重试与失败兜底的节点类型，其余节点失败即终止运行
var continueOnError = map[dsl.NodeType]bool{
	dsl.NodeTypeLLM:          true,
	dsl.NodeTypeAgent:        true,
	dsl.NodeTypeFlow:         true,
	dsl.NodeTypeKnowledgePro: true,
	dsl.NodeTypePlugin:       true,
	dsl.NodeTypeDecision:     true,
	dsl.NodeTypeIteration:    true,
}

// selfReporting node types send their own start frame.
var selfReporting = map[dsl.NodeType]bool{
	dsl.NodeTypeMessage:        true,
	dsl.NodeTypeEnd:            true,
	dsl.NodeTypeQuestionAnswer: true,
}

// Engine 已构建的工作流引擎，可并发执行多次运行
type Engine struct {
	wf              *dsl.Workflow
	nodes           map[string]node.Node
	links           map[string]*links
	startID         string
	iterationStarts map[string]string
	chains          *chain.Chains
	outputDeps      map[string]*node.OutputDeps
	dataPaths       map[string]map[string]bool
	streamProducers map[string][]string
	endMode         node.EndOutputMode
	buildTimestamp  int64
	nodeTimeout     time.Duration

	errors    *ErrorChain
	telemetry telemetry.Telemetry
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// BuildTimestamp returns the stamp compared against the workflow update time.
func (e *Engine) BuildTimestamp() int64 { return e.buildTimestamp }

// Workflow returns the protocol the engine was built from.
func (e *Engine) Workflow() *dsl.Workflow { return e.wf }

// EndOutputMode returns the output mode of the end node.
func (e *Engine) EndOutputMode() node.EndOutputMode { return e.endMode }

// StartNodeID returns the entry node id.
func (e *Engine) StartNodeID() string { return e.startID }

// Node returns a built node.
func (e *Engine) Node(id string) (node.Node, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// NewChains returns a fresh copy of the simple paths for one run. Share it
// between the run request and the callback handler so frame progress
// follows branch deactivation.
func (e *Engine) NewChains() *chain.Chains {
	return e.chains.Clone()
}

// RunRequest 单次运行参数
type RunRequest struct {
	Inputs    map[string]any
	History   []types.NodeHistory
	Callbacks node.Callbacks
	Registry  event.Registry
	// Chains 本次运行的路径，为空时使用 NewChains
	Chains *chain.Chains
}

// Run executes the workflow once and returns the end node result.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*node.RunResult, error) {
	started := time.Now()
	ctx, span := e.telemetry.Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(map[string]any{"flow_id": e.wf.ID, "build_timestamp": e.buildTimestamp})

	if req.Callbacks == nil {
		return nil, types.NewError(types.ErrEngineRun, "run requires callbacks")
	}
	pool, err := variable.NewPool(e.wf.Nodes)
	if err != nil {
		return nil, err
	}
	chains := req.Chains
	if chains == nil {
		chains = e.NewChains()
	}
	for consumer, producers := range e.streamProducers {
		for _, producer := range producers {
			pool.Stream().Register(consumer, producer)
		}
	}
	ids := make([]string, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	gate := NewGate()
	r := &run{
		e:           e,
		pool:        pool,
		chains:      chains,
		statuses:    node.NewStatuses(ids),
		callbacks:   req.Callbacks,
		registry:    req.Registry,
		gate:        gate,
		strategies:  NewStrategyManager(gate),
		span:        span,
		logger:      e.logger,
		endComplete: channel.NewLatch(),
	}

	e.logger.Info("workflow run started", zap.String("event_id", req.Callbacks.EventID()))
	res, err := r.execute(ctx, e.startID, req.Inputs, req.History)
	status := "succeeded"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		e.logger.Error("workflow run failed",
			zap.String("event_id", req.Callbacks.EventID()),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
	} else {
		e.logger.Info("workflow run completed",
			zap.String("event_id", req.Callbacks.EventID()),
			zap.Duration("duration", time.Since(started)),
		)
	}
	e.metrics.RecordWorkflowRun(status, time.Since(started))
	return res, err
}

// =============================================================================
// 🏃 单次运行
// =============================================================================

// run holds the state of one execution. Iteration items get a child run
// sharing callbacks and the question-answer gate.
type run struct {
	e          *Engine
	pool       *variable.Pool
	chains     *chain.Chains
	statuses   node.Statuses
	callbacks  node.Callbacks
	registry   event.Registry
	gate       Gate
	strategies *StrategyManager
	span       telemetry.Span
	logger     *zap.Logger

	group       *TaskGroup
	endComplete *channel.Latch

	claimMu   sync.Mutex
	mu        sync.Mutex
	responses []*node.RunResult
}

func (r *run) execute(ctx context.Context, startID string, inputs map[string]any, history []types.NodeHistory) (*node.RunResult, error) {
	start, ok := r.e.nodes[startID]
	if !ok {
		return nil, types.NewStructuralError(types.ErrEngineRun, "start node does not exist")
	}
	if err := validateStartNode(start); err != nil {
		return nil, err
	}
	if err := r.pool.AddInitVariable(startID, sortedKeys(inputs), inputs); err != nil {
		se := types.NewStructuralError(types.ErrStartNodeSchema, types.GetErrorMessage(err)).WithNodeID(startID)
		if cbErr := r.callbacks.OnNodeEnd(ctx, startID, start.Alias(), nil, se); cbErr != nil {
			r.logger.Warn("node end callback failed", zap.String("node_id", startID), zap.Error(cbErr))
		}
		return nil, se
	}
	r.pool.AddHistory(history)

	r.group = NewTaskGroup(ctx)
	r.statuses.Of(startID).StartWithThread.Set()
	r.group.Go(func(ctx context.Context) error { return r.dfs(ctx, startID) })

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.group.Wait() }()
	var err error
	select {
	case <-r.endComplete.Done():
		r.logger.Debug("end signal received, waiting for remaining tasks")
		err = <-waitErr
	case err = <-waitErr:
	}
	if err != nil {
		return nil, err
	}
	res := r.lastResponse()
	if res == nil {
		return nil, types.NewStructuralError(types.ErrEngineRun, "end node did not return result")
	}
	return res, nil
}

// RunIteration runs the iteration body once on pool, a fork owned by the
// caller.
func (r *run) RunIteration(ctx context.Context, iterationNodeID string, pool *variable.Pool, inputs map[string]any) (*node.RunResult, error) {
	startID, ok := r.e.iterationStarts[iterationNodeID]
	if !ok {
		return nil, types.NewStructuralError(types.ErrIterationExecution,
			"iteration node "+iterationNodeID+" has no start node").WithNodeID(iterationNodeID)
	}
	body, ok := r.chains.Iteration[iterationNodeID]
	if !ok {
		return nil, types.NewStructuralError(types.ErrIterationExecution,
			"iteration node "+iterationNodeID+" has no body").WithNodeID(iterationNodeID)
	}
	chains := body.Clone()
	child := &run{
		e:           r.e,
		pool:        pool,
		chains:      chains,
		statuses:    node.NewStatuses(chains.NodeIDs()),
		callbacks:   r.callbacks,
		registry:    r.registry,
		gate:        r.gate,
		strategies:  r.strategies,
		span:        r.span,
		logger:      r.logger.With(zap.String("iteration_node_id", iterationNodeID)),
		endComplete: channel.NewLatch(),
	}
	return child.execute(ctx, startID, inputs, nil)
}

func validateStartNode(n node.Node) error {
	switch n.Type() {
	case dsl.NodeTypeStart, dsl.NodeTypeIterationStart:
		return nil
	}
	return types.NewStructuralError(types.ErrEngineRun,
		fmt.Sprintf("workflow start node type error: %s", n.Type())).WithNodeID(n.ID())
}

func (r *run) runContext(span telemetry.Span) *node.RunContext {
	return &node.RunContext{
		Pool:       r.pool,
		Callbacks:  r.callbacks,
		Span:       span,
		Logger:     r.logger,
		Chains:     r.chains,
		Registry:   r.registry,
		Statuses:   r.statuses,
		OutputDeps: r.e.outputDeps,
		Iteration:  r,
	}
}

func (r *run) addResponse(res *node.RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, res)
}

func (r *run) lastResponse() *node.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return nil
	}
	return r.responses[len(r.responses)-1]
}

// claim marks id as processing. It reports false when the node was already
// claimed, by an earlier pre-start or because it will not run.
func (r *run) claim(id string, preStart bool) bool {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	st := r.statuses.Of(id)
	if st.Processing.IsSet() {
		return false
	}
	if preStart {
		st.PreProcessing.Set()
	}
	st.Processing.Set()
	return true
}

// =============================================================================
// 🔎 深度优先调度
// =============================================================================

func (r *run) dfs(ctx context.Context, id string) error {
	st := r.statuses.Of(id)
	if st.Processing.IsSet() && !st.PreProcessing.IsSet() {
		return nil
	}

	n := r.e.nodes[id]
	res, failBranch, err := r.executeSingle(ctx, n)
	if err != nil {
		if errors.Is(err, node.ErrNotRun) {
			st.Complete.Set()
			return nil
		}
		// 失败节点不发完成信号，等待它的节点随运行取消退出
		r.endComplete.Set()
		return err
	}
	active, inactive, err := r.nextNodes(n, res, failBranch)
	if err != nil {
		r.endComplete.Set()
		return err
	}
	// 完成信号在后继路径失效处理之后发出
	defer st.Complete.Set()
	if len(inactive) > 0 {
		r.deactivate(id, inactive)
		r.markNotRun(inactive)
	}
	return r.dispatch(n, res, active)
}

func (r *run) executeSingle(ctx context.Context, n node.Node) (*node.RunResult, bool, error) {
	id := n.ID()
	st := r.statuses.Of(id)
	if err := r.waitPredecessors(ctx, id); err != nil {
		return nil, false, err
	}
	if !r.claim(id, false) {
		// 已被提前拉起或逻辑上不运行
		if err := st.Complete.Wait(ctx); err != nil {
			return nil, false, err
		}
		if st.NotRun.IsSet() {
			return nil, false, node.ErrNotRun
		}
		return nil, false, nil
	}

	r.preStartOutputNodes(id)
	if !selfReporting[n.Type()] {
		if err := r.callbacks.OnNodeStart(ctx, 0, id, n.Alias()); err != nil {
			return nil, false, err
		}
	}
	return r.executeWithRetry(ctx, n)
}

// waitPredecessors blocks until, on every active path through id, the
// node before it has completed or the path has been deactivated.
func (r *run) waitPredecessors(ctx context.Context, id string) error {
	switch dsl.TypeOf(id) {
	case dsl.NodeTypeStart, dsl.NodeTypeIterationStart:
		return nil
	}
	for _, c := range r.chains.NodeChains(id) {
		if c.Inactive.IsSet() {
			continue
		}
		pre, ok := c.Predecessor(id)
		if !ok {
			continue
		}
		select {
		case <-r.statuses.Of(pre).Complete.Done():
		case <-c.Inactive.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// preStartOutputNodes starts, in the background, every output node that
// references id over a normal path, so it can stream id's output as it
// is produced.
func (r *run) preStartOutputNodes(id string) {
	switch dsl.TypeOf(id) {
	case dsl.NodeTypeStart, dsl.NodeTypeIterationStart:
		return
	}
	for outID, deps := range r.e.outputDeps {
		if !dsl.TypeOf(outID).IsOutput() {
			continue
		}
		if _, inRun := r.statuses[outID]; !inRun {
			continue
		}
		if !contains(deps.DataDep, id) || !r.e.dataPaths[outID][id] {
			continue
		}
		if !r.claim(outID, true) {
			continue
		}
		out := r.e.nodes[outID]
		r.logger.Debug("pre-starting output node", zap.String("node_id", outID), zap.String("trigger", id))
		r.group.Go(func(ctx context.Context) error { return r.runPreStarted(ctx, out) })
	}
}

func (r *run) runPreStarted(ctx context.Context, n node.Node) error {
	st := r.statuses.Of(n.ID())
	defer st.Complete.Set()
	res, err := r.attempt(ctx, n)
	if err != nil {
		if errors.Is(err, node.ErrNotRun) {
			return nil
		}
		r.failNode(ctx, n, err)
		return err
	}
	if n.Type().IsTerminal() {
		r.addResponse(res)
	}
	return nil
}

// nextNodes splits the successors of n into those to run and those whose
// paths are now dead.
func (r *run) nextNodes(n node.Node, res *node.RunResult, failBranch bool) (active, inactive []string, err error) {
	l := r.e.links[n.ID()]
	switch {
	case failBranch:
		active = l.fail
		for _, id := range l.next {
			if !l.isFailTarget(id) {
				inactive = append(inactive, id)
			}
		}
	case isBranchNode(n):
		if res == nil {
			return nil, nil, types.NewStructuralError(types.ErrEngineRun,
				"branch node did not return result").WithNodeID(n.ID())
		}
		targets, ok := l.classify[res.EdgeSourceHandle]
		if !ok {
			if d, isDecision := n.(*node.Decision); isDecision {
				if def, hasDefault := d.DefaultIntent(); hasDefault {
					targets, ok = l.classify[def.ID]
				}
			}
		}
		if !ok {
			return nil, nil, types.NewStructuralError(types.ErrEngineRun,
				fmt.Sprintf("branch not found: %q", res.EdgeSourceHandle)).WithNodeID(n.ID())
		}
		active = targets
		for _, id := range l.next {
			if !contains(targets, id) {
				inactive = append(inactive, id)
			}
		}
	default:
		active = l.next
	}
	for _, id := range l.fail {
		if !contains(active, id) && !contains(inactive, id) {
			inactive = append(inactive, id)
		}
	}
	return active, inactive, nil
}

func isBranchNode(n node.Node) bool {
	switch n.Type() {
	case dsl.NodeTypeIfElse, dsl.NodeTypeDecision:
		return true
	case dsl.NodeTypeQuestionAnswer:
		return n.Data().ParamString("answerType") == node.AnswerOption
	}
	return false
}

// deactivate marks every path taking an edge from -> id inactive.
func (r *run) deactivate(from string, ids []string) {
	for _, id := range ids {
		for _, c := range r.chains.BranchChains(from, id) {
			if c.Inactive.TrySet() {
				r.span.AddEvent("inactive", map[string]any{"path": c.NodeIDs})
			}
		}
	}
}

// markNotRun finishes, without running, every node left with no active
// path, then recurses into its successors.
func (r *run) markNotRun(ids []string) {
	for _, id := range ids {
		active := false
		for _, c := range r.chains.NodeChains(id) {
			if !c.Inactive.IsSet() {
				active = true
				break
			}
		}
		if active {
			continue
		}
		st := r.statuses.Of(id)
		if !st.NotRun.TrySet() {
			continue
		}
		st.Processing.Set()
		st.Complete.Set()
		st.StartWithThread.Set()
		r.span.AddEvent("not_run", map[string]any{"node_id": id})
		if !dsl.TypeOf(id).IsTerminal() {
			r.markNotRun(r.chains.EdgeDict[id])
		}
	}
}

// dispatch spawns the successors of n. A node without successors ends its
// path and signals the end of the run.
func (r *run) dispatch(n node.Node, res *node.RunResult, active []string) error {
	if len(active) == 0 {
		if res != nil && n.Type().IsTerminal() {
			r.addResponse(res)
		}
		r.endComplete.Set()
		return nil
	}
	for _, next := range active {
		if !r.statuses.Of(next).StartWithThread.TrySet() {
			continue
		}
		r.group.Go(func(ctx context.Context) error { return r.dfs(ctx, next) })
	}
	return nil
}

// =============================================================================
// 🔁 执行、超时与重试
// =============================================================================

// executeWithRetry runs n under its retry config. The returned flag is
// set when the run continues on the fail branch.
func (r *run) executeWithRetry(ctx context.Context, n node.Node) (*node.RunResult, bool, error) {
	rc := n.Data().RetryConfig
	timeout := time.Duration(rc.TimeoutSeconds() * float64(time.Second))
	if rc.Timeout <= 0 && r.e.nodeTimeout > 0 {
		timeout = r.e.nodeTimeout
	}

	if !continueOnError[n.Type()] || !rc.ShouldRetry {
		res, err := r.attemptWithTimeout(ctx, n, timeout)
		if err != nil {
			if !errors.Is(err, node.ErrNotRun) {
				r.failNode(ctx, n, err)
			}
			return nil, false, err
		}
		return res, false, nil
	}

	maxRetries := max(rc.MaxRetries, 0)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var (
			res *node.RunResult
			err error
		)
		if n.Type().IsStreamCapable() {
			res, err = r.attemptStream(ctx, n, timeout)
		} else {
			res, err = r.attemptWithTimeout(ctx, n, timeout)
		}
		if err == nil {
			return res, false, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, false, err
		}
		fallback, retry := r.e.errors.Handle(ctx, &ErrorContext{
			Err:     err,
			Node:    n,
			Attempt: attempt,
			Run:     r.runContext(r.span),
		})
		if fallback != nil {
			return fallback, rc.ErrorStrategy == dsl.ErrorStrategyFailBranch, nil
		}
		if !retry {
			return nil, false, err
		}
		r.e.metrics.RecordNodeRetry(string(n.Type()))
	}
	return nil, false, lastErr
}

// attemptWithTimeout runs one attempt and gives up on it after timeout.
// An attempt that ignores cancellation is abandoned.
func (r *run) attemptWithTimeout(ctx context.Context, n node.Node, timeout time.Duration) (*node.RunResult, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *node.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.attempt(tctx, n)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewTimeoutError(n.ID(), tctx.Err())
		}
		return o.res, o.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, types.NewTimeoutError(n.ID(), tctx.Err())
	}
}

// attemptStream runs one attempt of a streaming node under timeout. Once
// its first token is out the node can no longer fall back, so its
// fail-only successors are dropped right away.
func (r *run) attemptStream(ctx context.Context, n node.Node, timeout time.Duration) (*node.RunResult, error) {
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-r.statuses.Of(n.ID()).FirstToken.Done():
			r.dropFailBranch(n.ID())
		case <-wctx.Done():
		}
	}()
	return r.attemptWithTimeout(ctx, n, timeout)
}

func (r *run) dropFailBranch(id string) {
	l := r.e.links[id]
	var ids []string
	for _, f := range l.fail {
		if !contains(l.next, f) {
			ids = append(ids, f)
		}
	}
	if len(ids) == 0 {
		return
	}
	r.deactivate(id, ids)
	r.markNotRun(ids)
}

// attempt runs n once. A successful result is recorded in the pool and,
// for nodes that do not report themselves, sent as the node-end frame.
func (r *run) attempt(ctx context.Context, n node.Node) (*node.RunResult, error) {
	id := n.ID()
	started := time.Now()
	ctx, span := r.e.telemetry.Start(ctx, "run_node:"+id)
	defer span.End()

	res, err := r.attemptOnce(ctx, n, span)
	status := "succeeded"
	if err != nil {
		status = "failed"
		span.RecordError(err)
	}
	r.e.metrics.RecordNodeExecution(string(n.Type()), status, time.Since(started))
	return res, err
}

func (r *run) attemptOnce(ctx context.Context, n node.Node, span telemetry.Span) (*node.RunResult, error) {
	id := n.ID()
	started := time.Now()
	res, err := r.strategies.Strategy(n.Type()).Execute(ctx, n, r.runContext(span))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, types.NewError(types.ErrNodeRun, "node returned no result").WithNodeID(id)
	}
	if !res.Succeeded() {
		if res.Error == nil {
			return res, types.NewError(types.ErrNodeRun, fmt.Sprintf("node %s run failed, not error", id)).WithNodeID(id)
		}
		span.AddErrorEvent(res.Error)
		return res, res.Error
	}
	res.TimeCost = time.Since(started)
	if err := r.record(n, res); err != nil {
		return res, err
	}
	span.AddEvent("node_result", map[string]any{"status": string(res.Status)})
	if !n.Type().IsOutput() {
		if err := r.callbacks.OnNodeEnd(ctx, id, n.Alias(), res, nil); err != nil {
			return res, err
		}
	}
	return res, nil
}

// record stores a successful result in the pool. Start nodes re-record
// their inputs; end nodes store nothing.
func (r *run) record(n node.Node, res *node.RunResult) error {
	outputs := res.Outputs
	switch n.Type() {
	case dsl.NodeTypeEnd:
		return nil
	case dsl.NodeTypeStart:
		outputs = res.Inputs
	}
	if err := r.pool.AddVariable(n.ID(), sortedKeys(outputs), outputs, res.ErrorOutputs); err != nil {
		return types.WrapError(err, types.ErrVariableSet, "node "+n.ID()+" record outputs failed")
	}
	return nil
}

// failNode reports a final failure that is not handled by the error chain.
// Failures caused by the run being cancelled are not reported.
func (r *run) failNode(ctx context.Context, n node.Node, err error) {
	if ctx.Err() != nil {
		return
	}
	e := types.WrapError(err, types.ErrNodeRun, "node run failed")
	if e.NodeID == "" {
		e.NodeID = n.ID()
	}
	r.span.AddErrorEvent(e)
	if n.Type().IsStreamCapable() {
		if es, ok := n.(errorStreamer); ok {
			es.PutErrorStreamContent(r.runContext(r.span))
		}
	}
	if cbErr := r.callbacks.OnNodeEnd(context.WithoutCancel(ctx), n.ID(), n.Alias(), nil, e); cbErr != nil {
		r.logger.Warn("node end callback failed", zap.String("node_id", n.ID()), zap.Error(cbErr))
	}
}
