package workflow

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/node"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// =============================================================================
// 🧯 Outcome
// =============================================================================

// Outcome is what an ErrorHandler decides about one failure.
type Outcome struct {
	resolved bool
	result   *node.RunResult
	retry    bool
}

// Continue hands the failure to the next handler.
func Continue() Outcome {
	return Outcome{}
}

// Resolved stops the chain. A non-nil result replaces the failed run; retry
// asks the engine to run the node again. Neither means the run fails.
func Resolved(result *node.RunResult, retry bool) Outcome {
	return Outcome{resolved: true, result: result, retry: retry}
}

// IsResolved reports whether the handler claimed the failure.
func (o Outcome) IsResolved() bool { return o.resolved }

// Result returns the replacement result, if any.
func (o Outcome) Result() *node.RunResult { return o.result }

// Retry reports whether the node should run again.
func (o Outcome) Retry() bool { return o.retry }

// ErrorContext 单次节点失败的上下文
type ErrorContext struct {
	Err     error
	Node    node.Node
	Attempt int
	Run     *node.RunContext
}

func (ec *ErrorContext) span() telemetry.Span {
	if ec.Run == nil || ec.Run.Span == nil {
		return telemetry.NoopSpan()
	}
	return ec.Run.Span
}

func (ec *ErrorContext) retryConfig() dsl.RetryConfig {
	return ec.Node.Data().RetryConfig
}

// nodeEnd reports the failure on the node-end callback. The frame is sent
// even when the run is already being cancelled.
func (ec *ErrorContext) nodeEnd(ctx context.Context, err error) error {
	if ec.Run == nil || ec.Run.Callbacks == nil {
		return nil
	}
	return ec.Run.Callbacks.OnNodeEnd(context.WithoutCancel(ctx), ec.Node.ID(), ec.Node.Alias(), nil, err)
}

// ErrorHandler 错误处理链上的一环
type ErrorHandler interface {
	Name() string
	Handle(ctx context.Context, ec *ErrorContext) Outcome
}

// =============================================================================
// ⛓️ ErrorChain
// =============================================================================

// ErrorChain runs handlers in order until one resolves the failure.
type ErrorChain struct {
	handlers []ErrorHandler
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewErrorChain creates the default chain: timeout, interrupt, retryable,
// general.
func NewErrorChain(collector *metrics.Collector, logger *zap.Logger) *ErrorChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "error_chain"))
	return &ErrorChain{
		handlers: []ErrorHandler{
			&TimeoutHandler{logger: logger},
			&InterruptHandler{logger: logger},
			&RetryableHandler{logger: logger},
			&GeneralHandler{logger: logger},
		},
		metrics: collector,
		logger:  logger,
	}
}

// NewErrorChainWith creates a chain over custom handlers.
func NewErrorChainWith(collector *metrics.Collector, logger *zap.Logger, handlers ...ErrorHandler) *ErrorChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorChain{handlers: handlers, metrics: collector, logger: logger}
}

// Handle returns the replacement result and whether to retry. (nil, false)
// means the failure stands.
func (c *ErrorChain) Handle(ctx context.Context, ec *ErrorContext) (*node.RunResult, bool) {
	for _, h := range c.handlers {
		o := h.Handle(ctx, ec)
		if !o.IsResolved() {
			continue
		}
		c.metrics.RecordErrorOutcome(h.Name(), outcomeLabel(o, ec))
		c.logger.Debug("error resolved",
			zap.String("handler", h.Name()),
			zap.String("node_id", ec.Node.ID()),
			zap.Int("attempt", ec.Attempt),
			zap.Bool("retry", o.Retry()),
			zap.Error(ec.Err),
		)
		return o.Result(), o.Retry()
	}
	return nil, false
}

func outcomeLabel(o Outcome, ec *ErrorContext) string {
	switch {
	case o.Retry():
		return "retry"
	case o.Result() != nil:
		return ec.retryConfig().ErrorStrategy.String()
	default:
		return "abort"
	}
}

// =============================================================================
// 🧩 Handlers
// =============================================================================

// TimeoutHandler 超时不重试，直接终止
type TimeoutHandler struct {
	logger *zap.Logger
}

func (h *TimeoutHandler) Name() string { return "timeout" }

func (h *TimeoutHandler) Handle(ctx context.Context, ec *ErrorContext) Outcome {
	if !types.IsTimeout(ec.Err) {
		return Continue()
	}
	h.logger.Warn("node timed out",
		zap.String("node_id", ec.Node.ID()),
		zap.Int("attempt", ec.Attempt),
	)
	ec.span().RecordError(ec.Err)
	if err := ec.nodeEnd(ctx, ec.Err); err != nil {
		h.logger.Warn("node end callback failed", zap.String("node_id", ec.Node.ID()), zap.Error(err))
	}
	return Resolved(nil, false)
}

// InterruptHandler 中断类错误，终止运行
type InterruptHandler struct {
	logger *zap.Logger
}

func (h *InterruptHandler) Name() string { return "interrupt" }

func (h *InterruptHandler) Handle(ctx context.Context, ec *ErrorContext) Outcome {
	if !types.IsInterrupt(ec.Err) {
		return Continue()
	}
	h.logger.Info("node interrupted", zap.String("node_id", ec.Node.ID()), zap.Error(ec.Err))
	span := ec.span()
	span.AddErrorEvent(ec.Err)
	span.RecordError(ec.Err)
	if err := ec.nodeEnd(ctx, ec.Err); err != nil {
		h.logger.Warn("node end callback failed", zap.String("node_id", ec.Node.ID()), zap.Error(err))
	}
	return Resolved(nil, false)
}

// RetryableHandler 业务错误：按配置重试，重试耗尽后按错误策略兜底
type RetryableHandler struct {
	logger *zap.Logger
}

func (h *RetryableHandler) Name() string { return "retryable" }

func (h *RetryableHandler) Handle(ctx context.Context, ec *ErrorContext) Outcome {
	e, ok := types.AsError(ec.Err)
	if !ok {
		return Continue()
	}
	// 首帧已发出的流式节点无法撤回输出
	if ec.Run != nil && ec.Run.Pool != nil && ec.Run.Pool.StreamNodeHasSentFirstToken(ec.Node.ID()) {
		return h.interrupt(ctx, ec, e)
	}
	if e.Kind == types.KindStructural {
		return h.interrupt(ctx, ec, e)
	}
	rc := ec.retryConfig()
	if ec.Attempt < rc.MaxRetries {
		h.logger.Info("retrying node",
			zap.String("node_id", ec.Node.ID()),
			zap.Int("attempt", ec.Attempt),
			zap.Int("max_retries", rc.MaxRetries),
			zap.Error(e),
		)
		return Resolved(nil, true)
	}
	return h.finalRetry(ctx, ec, e)
}

func (h *RetryableHandler) interrupt(ctx context.Context, ec *ErrorContext, e *types.Error) Outcome {
	span := ec.span()
	span.AddErrorEvent(e)
	span.RecordError(e)
	if err := ec.nodeEnd(ctx, e); err != nil {
		h.logger.Warn("node end callback failed", zap.String("node_id", ec.Node.ID()), zap.Error(err))
	}
	return Resolved(nil, false)
}

func (h *RetryableHandler) finalRetry(ctx context.Context, ec *ErrorContext, e *types.Error) Outcome {
	rc := ec.retryConfig()
	switch rc.ErrorStrategy {
	case dsl.ErrorStrategyCustomReturn:
		return h.fallback(ctx, ec, e, rc.CustomOutput)
	case dsl.ErrorStrategyFailBranch:
		return h.fallback(ctx, ec, e, nil)
	default:
		return h.interrupt(ctx, ec, e)
	}
}

// fallback records outputs in place of the failed run and lets the run go
// on. Streaming nodes also push their error frame so waiting output nodes
// fall back to the pool value.
func (h *RetryableHandler) fallback(ctx context.Context, ec *ErrorContext, e *types.Error, outputs map[string]any) Outcome {
	if ec.Run == nil || ec.Run.Pool == nil {
		h.logger.Warn("no run context for fallback outputs", zap.String("node_id", ec.Node.ID()))
		return h.interrupt(ctx, ec, e)
	}
	n := ec.Node
	pool := ec.Run.Pool

	inputs := make(map[string]any)
	for _, in := range n.Data().Inputs {
		v, err := pool.GetVariable(n.ID(), in.Name)
		if err != nil {
			continue
		}
		inputs[in.Name] = v
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	res := &node.RunResult{
		NodeID:    n.ID(),
		AliasName: n.Alias(),
		NodeType:  n.Type(),
		Status:    node.StatusSucceeded,
		Inputs:    inputs,
		Outputs:   out,
		ErrorOutputs: map[string]any{
			variable.ErrorCodeKey:    int64(e.Code),
			variable.ErrorMessageKey: types.GetErrorMessage(e),
		},
	}

	if err := pool.AddVariable(n.ID(), sortedKeys(out), res.Outputs, res.ErrorOutputs); err != nil {
		setErr := types.WrapError(err, types.ErrVariableSet, "").WithNodeID(n.ID())
		h.logger.Error("record fallback outputs failed", zap.String("node_id", n.ID()), zap.Error(setErr))
		return h.interrupt(ctx, ec, setErr)
	}
	if n.Type().IsStreamCapable() {
		if es, ok := n.(errorStreamer); ok {
			es.PutErrorStreamContent(ec.Run)
		}
	}
	if ec.Run.Callbacks != nil {
		if err := ec.Run.Callbacks.OnNodeEnd(ctx, n.ID(), n.Alias(), res, nil); err != nil {
			h.logger.Warn("node end callback failed", zap.String("node_id", n.ID()), zap.Error(err))
		}
	}
	h.logger.Info("node failed, continuing with fallback",
		zap.String("node_id", n.ID()),
		zap.String("strategy", ec.retryConfig().ErrorStrategy.String()),
		zap.Error(e),
	)
	return Resolved(res, false)
}

// GeneralHandler 兜底：包装为节点运行错误并终止
type GeneralHandler struct {
	logger *zap.Logger
}

func (h *GeneralHandler) Name() string { return "general" }

func (h *GeneralHandler) Handle(ctx context.Context, ec *ErrorContext) Outcome {
	e := types.WrapError(ec.Err, types.ErrNodeRun, "node run failed").WithNodeID(ec.Node.ID())
	h.logger.Error("node failed", zap.String("node_id", ec.Node.ID()), zap.Error(ec.Err))
	span := ec.span()
	span.AddErrorEvent(e)
	span.RecordError(e)
	if err := ec.nodeEnd(ctx, e); err != nil {
		h.logger.Warn("node end callback failed", zap.String("node_id", ec.Node.ID()), zap.Error(err))
	}
	return Resolved(nil, false)
}

// errorStreamer is implemented by nodes that feed stream data.
type errorStreamer interface {
	PutErrorStreamContent(rc *node.RunContext)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
