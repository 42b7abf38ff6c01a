package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/event"
)

// Answer types of a question-answer node.
const (
	AnswerOption = "option"
	AnswerDirect = "direct"
)

// Option types.
const (
	OptionDefault = 1
	OptionUser    = 2
)

// Option 选项回答中的一个选项，id 为出边 handle，name 为用户看到的标识
type Option struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        int    `json:"type"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// QuestionAnswer 问答节点：中断运行，等待用户回答后恢复
type QuestionAnswer struct {
	Base
	question   string
	answerType string
	timeout    time.Duration
	needReply  bool
	options    []Option
}

// NewQuestionAnswer creates a question-answer node.
func NewQuestionAnswer(n dsl.Node, _ Deps) (Node, error) {
	q := &QuestionAnswer{
		Base:       NewBase(n),
		question:   n.Data.ParamString("question"),
		answerType: n.Data.ParamString("answerType"),
		needReply:  paramBool(n.Data.NodeParam, "needReply", false),
		timeout:    time.Duration(n.Data.ParamInt("timeout", 0)) * time.Minute,
	}
	if q.timeout <= 0 {
		q.timeout = event.DefaultTimeout
	}
	if q.answerType == "" {
		q.answerType = AnswerDirect
	}
	if q.answerType != AnswerOption && q.answerType != AnswerDirect {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			fmt.Sprintf("question-answer node %s: unknown answerType %q", n.ID, q.answerType)).WithNodeID(n.ID)
	}
	if q.answerType == AnswerOption {
		raw, err := json.Marshal(n.Data.NodeParam["optionAnswer"])
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &q.options); err != nil {
			return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
				fmt.Sprintf("question-answer node %s: invalid optionAnswer: %v", n.ID, err)).WithNodeID(n.ID)
		}
		if _, ok := q.defaultOption(); !ok {
			return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
				fmt.Sprintf("question-answer node %s has no default option", n.ID)).WithNodeID(n.ID)
		}
	}
	return q, nil
}

func (q *QuestionAnswer) defaultOption() (Option, bool) {
	for _, o := range q.options {
		if o.Type == OptionDefault {
			return o, true
		}
	}
	return Option{}, false
}

// Timeout returns how long the node waits for an answer.
func (q *QuestionAnswer) Timeout() time.Duration { return q.timeout }

// Execute sends the interrupt frame and blocks until the run is resumed.
func (q *QuestionAnswer) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	if rc.Callbacks == nil {
		return nil, errNoCallbacks
	}
	if rc.Registry == nil {
		return q.Fail(nil, types.NewError(types.ErrQuestionAnswerExecution,
			"no event registry configured"), types.ErrQuestionAnswerExecution), nil
	}
	names := q.InputNames()
	question, err := RenderTemplate(rc.Pool, q.id, q.question, names)
	if err != nil {
		return q.Fail(nil, err, types.ErrQuestionAnswerExecution), nil
	}
	inputs, err := q.inputValues(rc.Pool)
	if err != nil {
		return q.Fail(inputs, err, types.ErrVariableGet), nil
	}

	eventID := rc.Callbacks.EventID()
	if err := rc.Registry.OnInterruptNodeStart(ctx, eventID, q.id, q.timeout); err != nil {
		return q.Fail(inputs, err, types.ErrQuestionAnswerExecution), nil
	}
	defer func() {
		// 运行可能已被取消，结束标记仍需写回
		if err := rc.Registry.OnInterruptNodeEnd(context.WithoutCancel(ctx), eventID); err != nil {
			rc.logger().Warn("mark interrupt end failed", zap.String("event_id", eventID), zap.Error(err))
		}
	}()
	rc.span().AddEvent("interrupt", map[string]any{
		"event_id": eventID, "node_id": q.id, "timeout": q.timeout.String(),
	})

	if err := rc.Callbacks.OnNodeStart(ctx, 0, q.id, q.alias); err != nil {
		return nil, err
	}
	value, err := q.interruptValue(rc, question)
	if err != nil {
		return q.Fail(inputs, err, types.ErrQuestionAnswerExecution), nil
	}
	if err := rc.Callbacks.OnNodeInterrupt(ctx, eventID, value, q.id, q.alias, 0, "interrupt", q.needReply); err != nil {
		return nil, err
	}

	data, err := q.fetchResume(ctx, rc, eventID)
	if err != nil {
		return q.Fail(inputs, err, types.ErrQuestionAnswerExecution), nil
	}
	rc.span().AddEvent("resume_data", map[string]any{"event_type": data.EventType, "content": data.Content})

	outputs := map[string]any{"query": question}
	switch data.EventType {
	case event.ActionResume:
		if q.answerType == AnswerOption {
			return q.optionResult(inputs, outputs, data.Content)
		}
		outputs["content"] = data.Content
		return q.Success(inputs, outputs), nil
	case event.ActionIgnore:
		if q.needReply {
			return q.Fail(inputs, types.NewError(types.ErrQuestionAnswerExecution,
				"ignore received but the node requires a reply"), types.ErrQuestionAnswerExecution), nil
		}
		outputs["content"] = data.Content
		res := q.Success(inputs, outputs)
		if q.answerType == AnswerOption {
			outputs["id"] = "default"
			def, _ := q.defaultOption()
			res.EdgeSourceHandle = def.ID
		}
		return res, nil
	case event.ActionAbort:
		rc.span().AddEvent("abort", nil)
		return q.Fail(inputs, types.NewInterruptError("received abort instruction").WithNodeID(q.id),
			types.ErrInterrupted), nil
	}
	return q.Fail(inputs, types.Errorf(types.ErrQuestionAnswerExecution,
		"unknown resume event type %q", data.EventType), types.ErrQuestionAnswerExecution), nil
}

func (q *QuestionAnswer) interruptValue(rc *RunContext, question string) (map[string]any, error) {
	if q.answerType != AnswerOption {
		return map[string]any{"type": AnswerDirect, "content": question}, nil
	}
	opts := make([]any, 0, len(q.options))
	for _, o := range q.options {
		text, err := RenderTemplate(rc.Pool, q.id, o.Content, q.InputNames())
		if err != nil {
			return nil, err
		}
		opts = append(opts, map[string]any{"id": o.Name, "text": text, "content_type": o.ContentType})
	}
	return map[string]any{"type": AnswerOption, "content": question, "option": opts}, nil
}

func (q *QuestionAnswer) fetchResume(ctx context.Context, rc *RunContext, eventID string) (event.ResumeData, error) {
	var data event.ResumeData
	ev, err := rc.Registry.Get(ctx, eventID)
	if err != nil {
		return data, err
	}
	raw, err := rc.Registry.FetchResumeData(ctx, ev.NodeQueueName(), q.timeout)
	if err != nil {
		if errors.Is(err, event.ErrResumeTimeout) {
			return data, types.NewTimeoutError(q.id, err)
		}
		return data, err
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, types.NewError(types.ErrQuestionAnswerExecution, "invalid resume data").WithCause(err)
	}
	return data, nil
}

// optionResult picks the option whose name equals the reply, falling back to
// the default option.
func (q *QuestionAnswer) optionResult(inputs, outputs map[string]any, reply string) (*RunResult, error) {
	chosen, ok := q.defaultOption()
	for _, o := range q.options {
		if o.Name == reply {
			chosen, ok = o, true
			break
		}
	}
	if !ok {
		return q.Fail(inputs, types.Errorf(types.ErrQuestionAnswerExecution,
			"no option matches %q and no default option", reply), types.ErrQuestionAnswerExecution), nil
	}
	outputs["id"] = chosen.Name
	outputs["content"] = chosen.Content
	res := q.Success(inputs, outputs)
	res.EdgeSourceHandle = chosen.ID
	return res, nil
}
