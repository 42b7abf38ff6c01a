package node

import (
	"context"

	"github.com/BaSui01/flowengine/types"
)

// Model sources of an LLM node (nodeParam "source").
const (
	SourceXinghuo = "xinghuo"
	SourceOpenAI  = "openai"
)

// LLMRequest 一次模型调用
type LLMRequest struct {
	NodeID      string          `json:"node_id"`
	Source      string          `json:"source"`
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	// RespFormat 0 文本 / 1 markdown / 2 json
	RespFormat int            `json:"resp_format"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// LLMChunk 模型流式返回的一帧
type LLMChunk struct {
	Content          string
	ReasoningContent string
	// Response is the raw provider frame. When nil the node builds one in the
	// shape of the request source.
	Response map[string]any
	Usage    *types.Usage
	Done     bool
	Err      error
}

// LLMClient streams a model completion. The channel is closed after the
// final chunk.
type LLMClient interface {
	Stream(ctx context.Context, req LLMRequest) (<-chan LLMChunk, error)
}

// Intent 决策节点的一个意图分支
type Intent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// IntentType 1 表示默认意图
	IntentType int `json:"intentType"`
}

// Classification 分类结果
type Classification struct {
	IntentID  string
	ClassName string
	Raw       string
	Usage     *types.Usage
}

// Classifier picks one intent for a query.
type Classifier interface {
	Classify(ctx context.Context, query string, intents []Intent) (Classification, error)
}

// PluginRequest 插件调用参数
type PluginRequest struct {
	PluginID  string         `json:"plugin_id"`
	Operation string         `json:"operation_id"`
	Version   string         `json:"version,omitempty"`
	AppID     string         `json:"app_id,omitempty"`
	Inputs    map[string]any `json:"inputs"`
}

// PluginResponse 插件执行结果，Code 非零表示失败
type PluginResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Sid     string         `json:"sid"`
	Result  map[string]any `json:"result"`
	Log     []any          `json:"log,omitempty"`
}

// PluginClient executes a plugin synchronously.
type PluginClient interface {
	Run(ctx context.Context, req PluginRequest) (*PluginResponse, error)
}

// PluginChunk is one partial plugin response.
type PluginChunk struct {
	Response *PluginResponse
	Err      error
}

// StreamingPluginClient is implemented by plugin clients that return results
// incrementally. The plugin node merges the chunks.
type StreamingPluginClient interface {
	PluginClient
	Stream(ctx context.Context, req PluginRequest) (<-chan PluginChunk, error)
}
