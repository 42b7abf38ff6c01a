// MockPlugin 与 MockClassifier 是插件与意图分类边界的测试模拟实现。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/flowengine/workflow/node"
)

// ErrMockPlugin 默认注入的插件错误
var ErrMockPlugin = errors.New("mock plugin failure")

// --- MockPlugin 结构 ---

// MockPlugin 是 node.PluginClient 的模拟实现
type MockPlugin struct {
	mu sync.RWMutex

	result    map[string]any
	code      int
	err       error
	failTimes int
	delay     time.Duration
	runFunc   func(ctx context.Context, req node.PluginRequest) (*node.PluginResponse, error)

	calls []node.PluginRequest
}

var _ node.PluginClient = (*MockPlugin)(nil)

// NewMockPlugin 创建返回空结果的模拟插件
func NewMockPlugin() *MockPlugin {
	return &MockPlugin{result: map[string]any{}}
}

// WithResult 设置插件返回的结果
func (m *MockPlugin) WithResult(result map[string]any) *MockPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	return m
}

// WithCode 设置非零业务码
func (m *MockPlugin) WithCode(code int) *MockPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = code
	return m
}

// WithError 每次调用都返回 err
func (m *MockPlugin) WithError(err error) *MockPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.failTimes = -1
	return m
}

// WithFailTimes 前 n 次调用失败
func (m *MockPlugin) WithFailTimes(n int) *MockPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTimes = n
	if m.err == nil {
		m.err = ErrMockPlugin
	}
	return m
}

// WithDelay 设置调用耗时，期间响应 ctx 取消
func (m *MockPlugin) WithDelay(d time.Duration) *MockPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithRunFunc 设置自定义 Run 实现
func (m *MockPlugin) WithRunFunc(fn func(ctx context.Context, req node.PluginRequest) (*node.PluginResponse, error)) *MockPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runFunc = fn
	return m
}

// Run 记录调用并返回预设结果
func (m *MockPlugin) Run(ctx context.Context, req node.PluginRequest) (*node.PluginResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	call := len(m.calls)
	fn := m.runFunc
	fail := m.failTimes < 0 || call <= m.failTimes
	err, code, delay := m.err, m.code, m.delay
	result := make(map[string]any, len(m.result))
	for k, v := range m.result {
		result[k] = v
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail && err != nil {
		return nil, err
	}
	return &node.PluginResponse{Code: code, Message: "mock", Sid: "mock-sid", Result: result}, nil
}

// Calls 返回全部调用请求
func (m *MockPlugin) Calls() []node.PluginRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]node.PluginRequest(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockPlugin) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// --- MockClassifier ---

// MockClassifier 按查询文本返回预设意图
type MockClassifier struct {
	mu      sync.RWMutex
	byQuery map[string]string
	err     error
	calls   int
}

var _ node.Classifier = (*MockClassifier)(nil)

// NewMockClassifier 创建分类器，未命中时返回空意图
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{byQuery: make(map[string]string)}
}

// WithIntent 查询为 query 时返回 intentID
func (m *MockClassifier) WithIntent(query, intentID string) *MockClassifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byQuery[query] = intentID
	return m
}

// WithError 每次分类都失败
func (m *MockClassifier) WithError(err error) *MockClassifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Classify 返回预设意图
func (m *MockClassifier) Classify(_ context.Context, query string, intents []node.Intent) (node.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return node.Classification{}, m.err
	}
	id := m.byQuery[query]
	for _, in := range intents {
		if in.ID == id {
			return node.Classification{IntentID: id, ClassName: in.Name}, nil
		}
	}
	return node.Classification{IntentID: id}, nil
}

// CallCount 返回分类次数
func (m *MockClassifier) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
