package callback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/chain"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/event"
	"github.com/BaSui01/flowengine/workflow/node"
)

// 帧路由，用于指标
const (
	RouteOrdered = "ordered"
	RouteDirect  = "direct"
	RouteResume  = "resume"
)

// Config 回调处理器配置
type Config struct {
	SID     string
	EventID string
	FlowID  string
	Chains  *chain.Chains
	// EndOutputMode 结束节点的输出模式
	EndOutputMode node.EndOutputMode
	// Registry receives every frame produced after an interrupt.
	Registry event.Registry
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Handler 单次运行的回调处理器，实现 node.Callbacks
type Handler struct {
	sid     string
	eventID string
	chains  *chain.Chains
	endMode node.EndOutputMode

	registry event.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger

	stream  *channel.Queue[*Frame]
	intake  *channel.Queue[*StreamResult]
	order   *channel.Queue[*nodeStream]
	streams *nodeStreams

	// resume is set by the first interrupt frame.
	resume *channel.Latch

	mu         sync.Mutex
	usage      types.Usage
	startTimes map[string]time.Time

	seq       atomic.Int64
	consuming atomic.Bool
	consumed  *channel.Latch
}

var _ node.Callbacks = (*Handler)(nil)

// NewHandler creates a handler with empty queues.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sid:        cfg.SID,
		eventID:    cfg.EventID,
		chains:     cfg.Chains,
		endMode:    cfg.EndOutputMode,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		logger:     logger.With(zap.String("component", "callback"), zap.String("sid", cfg.SID), zap.String("flow_id", cfg.FlowID)),
		stream:     channel.NewQueue[*Frame](),
		intake:     channel.NewQueue[*StreamResult](),
		order:      channel.NewQueue[*nodeStream](),
		streams:    newNodeStreams(),
		resume:     channel.NewLatch(),
		startTimes: make(map[string]time.Time),
		consumed:   channel.NewLatch(),
	}
}

// EventID returns the event id of the run.
func (h *Handler) EventID() string { return h.eventID }

// SID returns the session id stamped on every frame.
func (h *Handler) SID() string { return h.sid }

// Resumed reports whether an interrupt frame has been emitted.
func (h *Handler) Resumed() bool { return h.resume.IsSet() }

// Usage returns the token usage accumulated from node end frames.
func (h *Handler) Usage() types.Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// =============================================================================
// 📤 输出
// =============================================================================

// Recv returns the next client frame with its sequence number assigned.
// It returns channel.ErrClosed after the workflow end frame.
func (h *Handler) Recv(ctx context.Context) (*Frame, error) {
	f, err := h.stream.Get(ctx)
	if err != nil {
		return nil, err
	}
	if f.WorkflowStep != nil {
		f.WorkflowStep.Seq = int(h.seq.Add(1) - 1)
	}
	return f, nil
}

// Start launches the intake and ordered consumers. They run until the end
// node's final frame has been forwarded, the run ends, or ctx is done.
func (h *Handler) Start(ctx context.Context) {
	if !h.consuming.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.consumed.Set()
		err := consume(ctx, h.intake, h.order, h.streams, h.stream, h.logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("callback consumers stopped", zap.Error(err))
		}
	}()
}

// =============================================================================
// 🔔 回调
// =============================================================================

// OnWorkflowStart emits the workflow start frame.
func (h *Handler) OnWorkflowStart(ctx context.Context) error {
	f := workflowFrame(h.sid, 0, "Success", nil, 0)
	h.stream.Put(f)
	h.metrics.RecordStreamFrame(RouteDirect)
	return h.writeResume(ctx, f)
}

// OnWorkflowEnd flushes ordered frames and emits the workflow end frame.
// result carries the run error, if any. The stream is closed afterwards.
func (h *Handler) OnWorkflowEnd(ctx context.Context, result *node.RunResult) error {
	h.intake.Close()
	if h.consuming.Load() {
		if err := h.consumed.Wait(ctx); err != nil {
			return err
		}
	}

	code, msg := int(types.Success), "Success"
	if result != nil && result.Error != nil {
		code, msg = int(result.Error.Code), types.GetErrorMessage(result.Error)
	}
	usage := h.Usage()
	f := workflowFrame(h.sid, code, msg, &usage, 1)
	f.Choices[0].FinishReason = FlowFinishReason
	h.stream.Put(f)
	h.stream.Close()
	h.metrics.RecordStreamFrame(RouteDirect)
	return h.writeResume(ctx, f)
}

// OnNodeStart records the start time and emits a start frame.
func (h *Handler) OnNodeStart(ctx context.Context, code int, nodeID, alias string) error {
	h.mu.Lock()
	h.startTimes[nodeID] = time.Now()
	h.mu.Unlock()

	f := newFrame(h.sid, code, "Success", &NodeInfo{
		ID:        nodeID,
		AliasName: alias,
		Inputs:    map[string]any{},
		Outputs:   map[string]any{},
	}, h.progress(nodeID))
	return h.put(ctx, nodeID, f, "")
}

// OnNodeProcess emits an intermediate content frame. A non-zero code
// carries the message as the frame message instead of content.
func (h *Handler) OnNodeProcess(ctx context.Context, code int, nodeID, alias, content, reasoning string) error {
	var ext map[string]any
	isEnd := dsl.TypeOf(nodeID) == dsl.NodeTypeEnd
	if isEnd {
		ext = map[string]any{"answer_mode": int(h.endMode)}
	}
	message := "Success"
	if code != 0 {
		message, content = content, ""
	}
	if isEnd && h.endMode == node.EndOutputVariable {
		content = ""
	}

	f := newFrame(h.sid, code, message, &NodeInfo{
		ID:           nodeID,
		AliasName:    alias,
		Inputs:       map[string]any{},
		Outputs:      map[string]any{},
		Ext:          ext,
		ExecutedTime: h.executedTime(nodeID),
	}, h.progress(nodeID))
	f.Choices[0].Delta.Content = content
	f.Choices[0].Delta.ReasoningContent = reasoning
	return h.put(ctx, nodeID, f, "")
}

// OnNodeInterrupt emits one interrupt frame carrying value, then switches
// the handler to also write every following frame to the event registry.
func (h *Handler) OnNodeInterrupt(ctx context.Context, eventID string, value map[string]any, nodeID, alias string, code int, finishReason string, needReply bool) error {
	if finishReason != InterruptFinishReason && finishReason != FlowFinishReason {
		finishReason = ""
	}
	f := newFrame(h.sid, code, "Success", &NodeInfo{
		ID:           nodeID,
		AliasName:    alias,
		FinishReason: finishReason,
		Inputs:       map[string]any{},
		Outputs:      map[string]any{},
		ExecutedTime: h.executedTime(nodeID),
	}, h.progress(nodeID))
	f.Choices[0].FinishReason = finishReason
	f.EventData = &InterruptData{
		EventID:   eventID,
		EventType: InterruptFinishReason,
		NeedReply: needReply,
		Value:     value,
	}
	if err := h.put(ctx, nodeID, f, ""); err != nil {
		return err
	}
	h.resume.Set()
	return nil
}

// OnNodeEnd emits the final frame of a node. err, a nil result or a result
// carrying an error all produce an error frame.
func (h *Handler) OnNodeEnd(ctx context.Context, nodeID, alias string, result *node.RunResult, err error) error {
	if err != nil {
		return h.onNodeEndError(ctx, nodeID, alias, types.WrapError(err, types.ErrNodeRun, ""))
	}
	if result == nil {
		return h.onNodeEndError(ctx, nodeID, alias,
			types.NewError(types.ErrNodeRun, "Node run error, please check the node configuration"))
	}
	if result.Error != nil {
		return h.onNodeEndError(ctx, nodeID, alias, result.Error)
	}

	if result.TokenCost != nil {
		h.mu.Lock()
		h.usage.Add(*result.TokenCost)
		h.mu.Unlock()
	}

	nodeType := dsl.TypeOf(nodeID)
	ext := map[string]any{}
	if (nodeType == dsl.NodeTypeLLM || nodeType == dsl.NodeTypeDecision) && result.RawOutput != "" {
		ext["raw_output"] = result.RawOutput
	}
	content := result.NodeAnswerContent
	if nodeType == dsl.NodeTypeEnd {
		ext["answer_mode"] = int(h.endMode)
		if h.endMode == node.EndOutputVariable {
			b, mErr := json.MarshalNoEscape(result.Outputs)
			if mErr != nil {
				return fmt.Errorf("encode end node outputs: %w", mErr)
			}
			content = string(b)
		}
	}

	f := newFrame(h.sid, 0, "Success", &NodeInfo{
		ID:           nodeID,
		AliasName:    alias,
		FinishReason: FlowFinishReason,
		Inputs:       result.Inputs,
		Outputs:      result.Outputs,
		ErrorOutputs: result.ErrorOutputs,
		Ext:          ext,
		ExecutedTime: h.executedTime(nodeID),
		Usage:        result.TokenCost,
	}, h.progress(nodeID))
	f.Choices[0].Delta.Content = content
	f.Choices[0].Delta.ReasoningContent = result.NodeAnswerReasoningContent
	return h.put(ctx, nodeID, f, FlowFinishReason)
}

func (h *Handler) onNodeEndError(ctx context.Context, nodeID, alias string, e *types.Error) error {
	var usage *types.Usage
	if t := dsl.TypeOf(nodeID); t == dsl.NodeTypeLLM || t == dsl.NodeTypeDecision {
		usage = &types.Usage{}
	}
	f := newFrame(h.sid, int(e.Code), types.GetErrorMessage(e), &NodeInfo{
		ID:           nodeID,
		AliasName:    alias,
		FinishReason: FlowFinishReason,
		ExecutedTime: h.executedTime(nodeID),
		Usage:        usage,
	}, h.progress(nodeID))
	return h.put(ctx, nodeID, f, FlowFinishReason)
}

// =============================================================================
// 🔀 路由
// =============================================================================

// put routes a frame: output node frames go through the ordering queues,
// everything else straight to the stream.
func (h *Handler) put(ctx context.Context, nodeID string, f *Frame, finishReason string) error {
	if err := h.writeResume(ctx, f); err != nil {
		return err
	}
	if dsl.TypeOf(nodeID).IsOutput() {
		if !h.intake.Put(&StreamResult{NodeID: nodeID, Content: f, FinishReason: finishReason}) {
			h.logger.Debug("frame dropped after intake closed", zap.String("node_id", nodeID))
			return nil
		}
		h.metrics.RecordStreamFrame(RouteOrdered)
		return nil
	}
	if !h.stream.Put(f) {
		h.logger.Debug("frame dropped after stream closed", zap.String("node_id", nodeID))
		return nil
	}
	h.metrics.RecordStreamFrame(RouteDirect)
	return nil
}

// writeResume mirrors f into the event's workflow queue once the run has
// been interrupted, so a resuming client can replay it.
func (h *Handler) writeResume(ctx context.Context, f *Frame) error {
	if !h.resume.IsSet() || h.registry == nil {
		return nil
	}
	ev, err := h.registry.Get(ctx, h.eventID)
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			h.logger.Warn("resume frame for unknown event", zap.String("event_id", h.eventID))
			return nil
		}
		return fmt.Errorf("load event %s: %w", h.eventID, err)
	}
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := h.registry.WriteResumeData(ctx, ev.WorkflowQueueName(), data, ev.Timeout); err != nil {
		return fmt.Errorf("write resume frame: %w", err)
	}
	h.metrics.RecordStreamFrame(RouteResume)
	return nil
}

func (h *Handler) progress(nodeID string) float64 {
	if h.chains == nil {
		return 0
	}
	return h.chains.Progress(nodeID)
}

// executedTime returns seconds since the node started, rounded to ms.
func (h *Handler) executedTime(nodeID string) float64 {
	h.mu.Lock()
	start, ok := h.startTimes[nodeID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return math.Round(time.Since(start).Seconds()*1000) / 1000
}
