package node

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/variable"
)

// Response formats of an LLM node.
const (
	RespFormatText     = 0
	RespFormatMarkdown = 1
	RespFormatJSON     = 2
)

// chunkIdleTimeout bounds the wait for the next provider chunk.
var chunkIdleTimeout = 60 * time.Second

// jsonFencePattern extracts the body of a ```json fenced block.
var jsonFencePattern = regexp.MustCompile("(?s)```(json)?(.*?)```")

func paramFloat(params map[string]any, key string, def float64) float64 {
	if f, ok := types.ToFloat64(params[key]); ok {
		return f
	}
	return def
}

// LLM 大模型节点，流式输出给下游消息/结束节点
type LLM struct {
	Base
	client         LLMClient
	source         string
	model          string
	template       string
	systemTemplate string
	respFormat     int
	temperature    float64
	maxTokens      int
	withHistory    bool
}

// NewLLM creates an LLM node.
func NewLLM(n dsl.Node, deps Deps) (Node, error) {
	l := &LLM{
		Base:           NewBase(n),
		client:         deps.LLM,
		source:         n.Data.ParamString("source"),
		model:          n.Data.ParamString("model"),
		template:       n.Data.ParamString("template"),
		systemTemplate: n.Data.ParamString("systemTemplate"),
		respFormat:     n.Data.ParamInt("respFormat", RespFormatText),
		temperature:    paramFloat(n.Data.NodeParam, "temperature", 0.5),
		maxTokens:      n.Data.ParamInt("maxTokens", 2048),
		withHistory:    paramBool(n.Data.NodeParam, "enableChatHistory", false),
	}
	if l.source == "" {
		l.source = SourceXinghuo
	}
	if len(n.Data.Outputs) == 0 {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			"llm node "+n.ID+" declares no outputs").WithNodeID(n.ID)
	}
	return l, nil
}

// Source returns the provider source the node streams in.
func (l *LLM) Source() string { return l.source }

// HistoryEnabled reports whether chat history is attached to the prompt.
func (l *LLM) HistoryEnabled() bool { return l.withHistory }

// Execute renders the prompts, streams the completion to dependent output
// nodes and maps the answer onto the declared outputs.
func (l *LLM) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	inputs, err := l.inputValues(rc.Pool)
	if err != nil {
		return l.Fail(inputs, err, types.ErrVariableGet), nil
	}
	if l.client == nil {
		return l.Fail(inputs, types.NewError(types.ErrLLMRequest, "no llm client configured"), types.ErrLLMRequest), nil
	}
	names := l.InputNames()
	prompt, err := RenderTemplate(rc.Pool, l.id, l.template, names)
	if err != nil {
		return l.Fail(inputs, err, types.ErrVariableParse), nil
	}
	var messages []types.Message
	if l.systemTemplate != "" {
		system, err := RenderTemplate(rc.Pool, l.id, l.systemTemplate, names)
		if err != nil {
			return l.Fail(inputs, err, types.ErrVariableParse), nil
		}
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: system})
	}
	if l.withHistory {
		history := rc.Pool.History(l.id)
		if len(history) > 0 {
			inputs["chatHistory"] = history
		}
		messages = append(messages, history...)
	}
	messages = append(messages, types.NewUserMessage(prompt))

	req := LLMRequest{
		NodeID:      l.id,
		Source:      l.source,
		Model:       l.model,
		Messages:    messages,
		Temperature: l.temperature,
		MaxTokens:   l.maxTokens,
		RespFormat:  l.respFormat,
	}
	chunks, err := l.client.Stream(ctx, req)
	if err != nil {
		return l.Fail(inputs, types.WrapError(err, types.ErrLLMRequest, "llm request failed").WithRetryable(true),
			types.ErrLLMRequest), nil
	}

	var content, reasoning strings.Builder
	var usage *types.Usage
	idle := time.NewTimer(chunkIdleTimeout)
	defer idle.Stop()
	for {
		var (
			chunk LLMChunk
			ok    bool
		)
		select {
		case chunk, ok = <-chunks:
		case <-idle.C:
			return l.Fail(inputs, types.Errorf(types.ErrLLMRequest,
				"llm stream idle for %s", chunkIdleTimeout).WithRetryable(true), types.ErrLLMRequest), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			break
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(chunkIdleTimeout)
		if chunk.Err != nil {
			return l.Fail(inputs, types.WrapError(chunk.Err, types.ErrLLMRequest, "llm stream failed").WithRetryable(true),
				types.ErrLLMRequest), nil
		}
		content.WriteString(chunk.Content)
		reasoning.WriteString(chunk.ReasoningContent)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		frame := chunk.Response
		if frame == nil {
			frame = ProviderFrame(l.source, chunk.Content, chunk.ReasoningContent, chunk.Done)
		}
		l.PutStreamContent(rc, l.model, frame)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	answer := content.String()
	res := l.Success(inputs, l.mapOutputs(rc, answer, reasoning.String()))
	res.RawOutput = answer
	res.TokenCost = usage
	res.ProcessData = map[string]any{"query": prompt}
	return res, nil
}

// mapOutputs spreads the answer over the declared outputs. Outputs the
// answer does not cover keep their pool defaults.
func (l *LLM) mapOutputs(rc *RunContext, answer, reasoning string) map[string]any {
	parsed := map[string]any{}
	names := l.OutputNames()
	switch l.respFormat {
	case RespFormatJSON:
		body := answer
		if m := jsonFencePattern.FindStringSubmatch(answer); m != nil {
			body = m[2]
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &parsed); err != nil {
			parsed = map[string]any{}
		}
	default:
		for _, name := range names {
			if name == ReasoningVarName {
				if reasoning != "" {
					parsed[name] = reasoning
				}
				continue
			}
			parsed[name] = answer
			if reasoning == "" {
				break
			}
		}
	}

	outputs := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := parsed[name]; ok && v != nil {
			outputs[name] = v
			continue
		}
		if v, err := rc.Pool.GetVariable(l.id, name); err == nil {
			outputs[name] = v
		}
	}
	return outputs
}

// PutErrorStreamContent pushes the failure frame of a streaming producer to
// its output nodes so they stop waiting and fall back to pool values.
func (b *Base) PutErrorStreamContent(rc *RunContext) {
	source := b.data.ParamString("source")
	if source == "" {
		source = SourceXinghuo
	}
	rc.Pool.Stream().Publish(b.id, variable.StreamMsg{
		Response:          ErrorLLMContent(b.nodeType, source),
		ExceptionOccurred: true,
	})
	if rc.Statuses != nil {
		rc.Statuses.Of(b.id).FirstToken.Set()
	}
}
