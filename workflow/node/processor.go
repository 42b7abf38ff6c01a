package node

import (
	"fmt"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// 流式帧状态
const (
	LLMStatusRunning = 1
	LLMStatusEnd     = 2
)

// Frame 归一化后的流式帧
type Frame struct {
	Code             int
	Status           int
	Content          string
	ReasoningContent string
}

// Done reports whether the producer finished.
func (f Frame) Done() bool { return f.Status == LLMStatusEnd }

// FrameProcessor normalizes one raw provider frame.
type FrameProcessor interface {
	Process(resp map[string]any) (Frame, error)
}

// FrameProcessorFunc adapts a function to FrameProcessor.
type FrameProcessorFunc func(resp map[string]any) (Frame, error)

func (f FrameProcessorFunc) Process(resp map[string]any) (Frame, error) { return f(resp) }

// ProcessorFor picks the processor for a producer. LLM producers are
// dispatched on their model source.
func ProcessorFor(producer dsl.NodeType, source string) FrameProcessor {
	switch producer {
	case dsl.NodeTypeAgent:
		return FrameProcessorFunc(processAgentFrame)
	case dsl.NodeTypeKnowledgePro:
		return FrameProcessorFunc(processKnowledgeFrame)
	case dsl.NodeTypeFlow:
		return FrameProcessorFunc(processFlowFrame)
	}
	if source == SourceOpenAI {
		return FrameProcessorFunc(processOpenAIFrame)
	}
	return FrameProcessorFunc(processXinghuoFrame)
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func intOf(v any) int {
	f, _ := types.ToFloat64(v)
	return int(f)
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func firstChoice(resp map[string]any) (map[string]any, bool) {
	choices, _ := resp["choices"].([]any)
	if len(choices) == 0 {
		return nil, false
	}
	return mapOf(choices[0]), true
}

// processXinghuoFrame handles {"header":{code,status},"payload":{"choices":{"text":[...]}}}.
func processXinghuoFrame(resp map[string]any) (Frame, error) {
	header := mapOf(resp["header"])
	if header == nil {
		return Frame{}, fmt.Errorf("xinghuo frame without header")
	}
	f := Frame{Code: intOf(header["code"]), Status: intOf(header["status"])}
	texts, _ := mapOf(mapOf(resp["payload"])["choices"])["text"].([]any)
	if len(texts) > 0 {
		t := mapOf(texts[0])
		f.Content = stringOf(t["content"])
		f.ReasoningContent = stringOf(t["reasoning_content"])
	}
	return f, nil
}

func processOpenAIFrame(resp map[string]any) (Frame, error) {
	f := Frame{Code: intOf(resp["code"]), Status: LLMStatusRunning}
	choice, ok := firstChoice(resp)
	if !ok {
		return f, fmt.Errorf("openai frame without choices")
	}
	if stringOf(choice["finish_reason"]) != "" {
		f.Status = LLMStatusEnd
	}
	f.Content = stringOf(mapOf(choice["delta"])["content"])
	return f, nil
}

func processAgentFrame(resp map[string]any) (Frame, error) {
	f := Frame{Code: intOf(resp["code"]), Status: LLMStatusRunning}
	choice, ok := firstChoice(resp)
	if !ok {
		return f, fmt.Errorf("agent frame without choices")
	}
	if stringOf(choice["finish_reason"]) == "stop" {
		f.Status = LLMStatusEnd
	}
	delta := mapOf(choice["delta"])
	if c := stringOf(delta["content"]); c != "" {
		f.Content = c
	} else {
		f.ReasoningContent = stringOf(delta["reasoning_content"])
	}
	return f, nil
}

func processKnowledgeFrame(resp map[string]any) (Frame, error) {
	f := Frame{
		Code:    intOf(resp["code"]),
		Status:  LLMStatusRunning,
		Content: stringOf(mapOf(resp["data"])["content"]),
	}
	if stringOf(resp["finish_reason"]) == "stop" {
		f.Status = LLMStatusEnd
	}
	return f, nil
}

func processFlowFrame(resp map[string]any) (Frame, error) {
	f := Frame{Code: intOf(resp["code"]), Status: LLMStatusRunning}
	choice, ok := firstChoice(resp)
	if !ok {
		return f, nil
	}
	delta := mapOf(choice["delta"])
	f.Content = stringOf(delta["content"])
	f.ReasoningContent = stringOf(delta["reasoning_content"])
	if stringOf(choice["finish_reason"]) == "stop" {
		f.Status = LLMStatusEnd
	}
	return f, nil
}

// ProviderFrame builds a raw frame in the shape the source's processor reads.
func ProviderFrame(source, content, reasoning string, done bool) map[string]any {
	if source == SourceOpenAI {
		choice := map[string]any{
			"delta": map[string]any{"content": content, "reasoning_content": reasoning},
		}
		if done {
			choice["finish_reason"] = "stop"
		}
		return map[string]any{"code": 0, "choices": []any{choice}}
	}
	status := LLMStatusRunning
	if done {
		status = LLMStatusEnd
	}
	return map[string]any{
		"header": map[string]any{"code": 0, "status": status},
		"payload": map[string]any{
			"choices": map[string]any{
				"text": []any{map[string]any{"content": content, "reasoning_content": reasoning}},
			},
		},
	}
}

// ErrorLLMContent returns the provider-shaped end frame pushed to output
// nodes when a streaming producer fails, so they stop waiting and fall back
// to the pool value.
func ErrorLLMContent(producer dsl.NodeType, source string) map[string]any {
	agentShape := func() map[string]any {
		return map[string]any{
			"code":    -1,
			"choices": []any{map[string]any{"finish_reason": "stop"}},
		}
	}
	switch producer {
	case dsl.NodeTypeAgent, dsl.NodeTypeFlow:
		return agentShape()
	case dsl.NodeTypeKnowledgePro:
		return map[string]any{"code": -1, "finish_reason": "stop"}
	case dsl.NodeTypeLLM:
		switch source {
		case SourceXinghuo, "":
			return map[string]any{
				"header":  map[string]any{"code": -1, "status": LLMStatusEnd},
				"payload": map[string]any{"choices": map[string]any{"text": []any{map[string]any{}}}},
			}
		case SourceOpenAI:
			return agentShape()
		}
	}
	return map[string]any{"code": -1}
}
