// MockLLM 是模型客户端的测试模拟实现。
//
// 支持固定分片、错误注入、前 N 次失败与延迟场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/node"
)

// ErrMockLLM 默认注入的模型错误
var ErrMockLLM = errors.New("mock llm failure")

// --- MockLLM 结构 ---

// MockLLM 是 node.LLMClient 的模拟实现
type MockLLM struct {
	mu sync.RWMutex

	chunks    []string
	reasoning []string
	usage     *types.Usage
	err       error

	// failTimes 前 N 次调用返回 err
	failTimes int
	delay     time.Duration

	streamFunc func(ctx context.Context, req node.LLMRequest) (<-chan node.LLMChunk, error)
	calls      []node.LLMRequest
}

var _ node.LLMClient = (*MockLLM)(nil)

// --- 构造函数和 Builder 方法 ---

// NewMockLLM 创建返回 "Mock response" 的模拟客户端
func NewMockLLM() *MockLLM {
	return &MockLLM{
		chunks: []string{"Mock response"},
		usage:  &types.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

// WithChunks 设置流式分片
func (m *MockLLM) WithChunks(chunks ...string) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = chunks
	return m
}

// WithReasoning 设置与分片对齐的思考内容
func (m *MockLLM) WithReasoning(reasoning ...string) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasoning = reasoning
	return m
}

// WithUsage 设置 Token 使用量
func (m *MockLLM) WithUsage(prompt, completion int) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = &types.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	return m
}

// WithError 每次调用都返回 err
func (m *MockLLM) WithError(err error) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.failTimes = -1
	return m
}

// WithFailTimes 前 n 次调用失败，之后正常返回
func (m *MockLLM) WithFailTimes(n int) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTimes = n
	if m.err == nil {
		m.err = ErrMockLLM
	}
	return m
}

// WithDelay 设置首个分片前的延迟
func (m *MockLLM) WithDelay(d time.Duration) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithStreamFunc 设置自定义 Stream 实现
func (m *MockLLM) WithStreamFunc(fn func(ctx context.Context, req node.LLMRequest) (<-chan node.LLMChunk, error)) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- LLMClient 接口实现 ---

// Stream 返回预设分片，最后一帧携带用量
func (m *MockLLM) Stream(ctx context.Context, req node.LLMRequest) (<-chan node.LLMChunk, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	call := len(m.calls)
	fn := m.streamFunc
	fail := m.failTimes < 0 || call <= m.failTimes
	err := m.err
	chunks := append([]string(nil), m.chunks...)
	reasoning := append([]string(nil), m.reasoning...)
	usage := m.usage
	delay := m.delay
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if fail && err != nil {
		return nil, err
	}

	ch := make(chan node.LLMChunk)
	go func() {
		defer close(ch)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		for i, c := range chunks {
			chunk := node.LLMChunk{Content: c}
			if i < len(reasoning) {
				chunk.ReasoningContent = reasoning[i]
			}
			if i == len(chunks)-1 {
				chunk.Done = true
				chunk.Usage = usage
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// --- 调用记录 ---

// Calls 返回全部调用请求
func (m *MockLLM) Calls() []node.LLMRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]node.LLMRequest(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockLLM) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
