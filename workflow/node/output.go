package node

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// ReasoningVarName is the LLM output carrying reasoning content.
const ReasoningVarName = "REASONING_CONTENT"

// streamReadTimeout bounds the wait for the next producer frame.
var streamReadTimeout = 120 * time.Second

// EndOutputMode 结束节点输出模式
type EndOutputMode int

const (
	// EndOutputVariable 输出变量 JSON
	EndOutputVariable EndOutputMode = 0
	// EndOutputPrompt 按模板输出
	EndOutputPrompt EndOutputMode = 1
)

// outputPiece is one chunk of rendered output.
type outputPiece struct {
	content   string
	reasoning string
}

// producerStream buffers the frames of one producer so several template
// units, reasoning and normal, can replay them.
type producerStream struct {
	queue     *channel.Queue[variable.StreamMsg]
	processor FrameProcessor

	content   []string
	reasoning []string
	// reasoningClosed is set once a frame without reasoning arrives.
	reasoningClosed bool
	finished        bool
	failed          bool
}

func (s *producerStream) pull(ctx context.Context, span func(map[string]any)) {
	if s.queue == nil {
		s.finished = true
		s.reasoningClosed = true
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, streamReadTimeout)
	msg, err := s.queue.Get(readCtx)
	cancel()
	if err != nil {
		s.finished = true
		s.reasoningClosed = true
		return
	}
	span(map[string]any{"recv": msg.Response})

	frame, err := s.processor.Process(msg.Response)
	if err != nil || frame.Code != 0 {
		s.finished = true
		s.reasoningClosed = true
		s.failed = msg.ExceptionOccurred || err != nil
		return
	}
	if frame.ReasoningContent != "" {
		s.reasoning = append(s.reasoning, frame.ReasoningContent)
	} else {
		s.reasoningClosed = true
		if frame.Content != "" {
			s.content = append(s.content, frame.Content)
		}
	}
	if frame.Done() {
		s.finished = true
		s.reasoningClosed = true
	}
}

// outputRenderer renders the templates of a message or end node.
type outputRenderer struct {
	base      *Base
	rc        *RunContext
	producers map[string]*producerStream
}

func newOutputRenderer(b *Base, rc *RunContext) *outputRenderer {
	return &outputRenderer{base: b, rc: rc, producers: make(map[string]*producerStream)}
}

// isStreamDependency reports whether dep streams its output into us.
func (r *outputRenderer) isStreamDependency(u templateUnit) bool {
	switch dsl.TypeOf(u.depNodeID) {
	case dsl.NodeTypeLLM, dsl.NodeTypeAgent:
		return true
	case dsl.NodeTypeKnowledgePro:
		return !strings.HasPrefix(u.refVarName, "result")
	case dsl.NodeTypeFlow:
		mode := r.rc.Pool.System().GetNode(variable.ParamFlowOutputMode, u.depNodeID, int(EndOutputVariable))
		m, _ := mode.(int)
		return m == int(EndOutputPrompt)
	}
	return false
}

func (r *outputRenderer) producer(depNodeID string) *producerStream {
	if p, ok := r.producers[depNodeID]; ok {
		return p
	}
	source := SourceXinghuo
	if data, err := r.rc.Pool.NodeProtocol(depNodeID); err == nil {
		if s := data.ParamString("source"); s != "" {
			source = s
		}
	}
	q, _ := r.rc.Pool.Stream().Queue(r.base.id, depNodeID)
	p := &producerStream{queue: q, processor: ProcessorFor(dsl.TypeOf(depNodeID), source)}
	r.producers[depNodeID] = p
	return p
}

func (r *outputRenderer) poolValue(u templateUnit) string {
	v, err := ResolvePath(r.rc.Pool, r.base.id, u.key)
	if err != nil {
		r.rc.logger().Warn("resolve output variable failed",
			zap.String("node_id", r.base.id), zap.String("key", u.key), zap.Error(err))
		return ""
	}
	return Stringify(v)
}

// render walks the units of one template, calling emit for every piece.
func (r *outputRenderer) render(ctx context.Context, units []templateUnit, reasoningTemplate bool, emit func(outputPiece)) error {
	wrap := func(text string) outputPiece {
		if reasoningTemplate {
			return outputPiece{reasoning: text}
		}
		return outputPiece{content: text}
	}
	statuses := r.rc.Statuses
	for _, u := range units {
		if u.kind == unitConst {
			emit(wrap(u.key))
			continue
		}
		dep := statuses.Of(u.depNodeID)
		if u.kind == unitLLMJSON || !r.isStreamDependency(u) {
			if err := dep.Complete.Wait(ctx); err != nil {
				return err
			}
			emit(wrap(r.poolValue(u)))
			continue
		}

		if err := dep.Processing.Wait(ctx); err != nil {
			return err
		}
		if dep.NotRun.IsSet() {
			continue
		}
		p := r.producer(u.depNodeID)
		if p.failed {
			emit(wrap(r.poolValue(u)))
			continue
		}
		isReasoning := u.refVarName == ReasoningVarName
		for idx := 0; ; {
			buf := p.content
			if isReasoning {
				buf = p.reasoning
			}
			for ; idx < len(buf); idx++ {
				emit(wrap(buf[idx]))
			}
			if p.finished || (isReasoning && p.reasoningClosed) {
				break
			}
			p.pull(ctx, func(attrs map[string]any) { r.rc.span().AddEvent("stream_recv", attrs) })
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if p.failed {
			emit(wrap(r.poolValue(u)))
		}
	}
	return nil
}

// awaitPreOutputNodes waits for the output nodes that must answer first.
// It returns false when this node turns out not to run.
func awaitPreOutputNodes(ctx context.Context, b *Base, rc *RunContext) (bool, error) {
	deps, ok := rc.OutputDeps[b.id]
	if !ok {
		return true, nil
	}
	self := rc.Statuses.Of(b.id)
	for _, dep := range deps.NodeDep {
		if err := rc.Statuses.Of(dep).Complete.Wait(ctx); err != nil {
			return false, err
		}
		if self.NotRun.IsSet() {
			return false, nil
		}
	}
	return true, nil
}

// awaitDataDeps waits until every node the output node reads from has
// written its outputs. A pre-started output node reaches this point before
// its non-streaming references have finished, and may find its own path
// deactivated meanwhile; it then returns ErrNotRun.
func awaitDataDeps(ctx context.Context, b *Base, rc *RunContext) error {
	deps, ok := rc.OutputDeps[b.id]
	if !ok {
		return nil
	}
	for _, dep := range deps.DataDep {
		if err := rc.Statuses.Of(dep).Complete.Wait(ctx); err != nil {
			return err
		}
	}
	if rc.Statuses.Of(b.id).NotRun.IsSet() {
		return ErrNotRun
	}
	return nil
}

// streamAnswer renders the reasoning template then the normal template.
// With stream on, every piece but the last is sent as a process frame; the
// returned piece is what the end frame carries. full holds the whole answer.
func streamAnswer(ctx context.Context, b *Base, rc *RunContext, template, reasoningTemplate string, stream bool) (last outputPiece, full outputPiece, err error) {
	renderer := newOutputRenderer(b, rc)
	var content, reasoning strings.Builder
	var pending *outputPiece
	flush := func() error {
		if pending == nil {
			return nil
		}
		p := *pending
		pending = nil
		if !stream {
			return nil
		}
		return rc.Callbacks.OnNodeProcess(ctx, 0, b.id, b.alias, p.content, p.reasoning)
	}
	emit := func(p outputPiece) {
		if p.content == "" && p.reasoning == "" {
			return
		}
		content.WriteString(p.content)
		reasoning.WriteString(p.reasoning)
		if ferr := flush(); ferr != nil && err == nil {
			err = ferr
		}
		pending = &p
	}

	for _, tpl := range []struct {
		text      string
		reasoning bool
	}{{reasoningTemplate, true}, {template, false}} {
		if tpl.text == "" {
			continue
		}
		units, serr := splitTemplate(rc.Pool, b.id, tpl.text)
		if serr != nil {
			return last, full, serr
		}
		if rerr := renderer.render(ctx, units, tpl.reasoning, emit); rerr != nil {
			return last, full, rerr
		}
	}
	if err != nil {
		return last, full, err
	}

	full = outputPiece{content: content.String(), reasoning: reasoning.String()}
	if !stream {
		return full, full, nil
	}
	if pending != nil {
		last = *pending
	}
	return last, full, nil
}

var errNoCallbacks = errors.New("output node requires callbacks")
