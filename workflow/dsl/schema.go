package dsl

import (
	"strings"

	"github.com/BaSui01/flowengine/types"
)

// NodeType 节点类型，取自节点 ID 中 "::" 之前的前缀
type NodeType string

const (
	NodeTypeStart          NodeType = "node-start"
	NodeTypeEnd            NodeType = "node-end"
	NodeTypeMessage        NodeType = "message"
	NodeTypeIteration      NodeType = "iteration"
	NodeTypeIterationStart NodeType = "iteration-node-start"
	NodeTypeIterationEnd   NodeType = "iteration-node-end"
	NodeTypeIfElse         NodeType = "if-else"
	NodeTypeDecision       NodeType = "decision-making"
	NodeTypeQuestionAnswer NodeType = "question-answer"
	NodeTypeLLM            NodeType = "spark-llm"
	NodeTypeAgent          NodeType = "agent"
	NodeTypeFlow           NodeType = "flow"
	NodeTypeKnowledgePro   NodeType = "knowledge-pro-base"
	NodeTypePlugin         NodeType = "plugin"
)

// NodeIDSeparator 节点 ID 中类型与唯一标识的分隔符
const NodeIDSeparator = "::"

// Edge source handle 约定
const (
	// FailBranchHandle 标记异常分支边
	FailBranchHandle = "fail_one_of"
	// IntentHandlePrefix 决策节点意图边前缀，形如 intent_chain|<intent id>
	IntentHandlePrefix = "intent_chain|"
)

// TypeOf 从节点 ID 解析节点类型
func TypeOf(nodeID string) NodeType {
	if i := strings.Index(nodeID, NodeIDSeparator); i >= 0 {
		return NodeType(nodeID[:i])
	}
	if i := strings.Index(nodeID, ":"); i >= 0 {
		return NodeType(nodeID[:i])
	}
	return NodeType(nodeID)
}

// IsTerminal 是否为结束类节点（end / iteration-end）
func (t NodeType) IsTerminal() bool {
	return t == NodeTypeEnd || t == NodeTypeIterationEnd
}

// IsOutput 是否为需要按序输出的节点（message / end）
func (t NodeType) IsOutput() bool {
	return t == NodeTypeMessage || t == NodeTypeEnd
}

// IsStreamCapable 是否为流式输出节点（首帧发出后不可重试）
func (t NodeType) IsStreamCapable() bool {
	switch t {
	case NodeTypeLLM, NodeTypeAgent, NodeTypeFlow, NodeTypeKnowledgePro:
		return true
	}
	return false
}

// Workflow 工作流协议顶层结构
type Workflow struct {
	// ID 工作流 ID
	ID string `yaml:"id" json:"id"`
	// Name 工作流名称
	Name string `yaml:"name" json:"name"`
	// Description 工作流描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// UpdatedAt 协议更新时间戳，快照缓存按此比对
	UpdatedAt int64 `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`

	Nodes []Node `yaml:"nodes" json:"nodes"`
	Edges []Edge `yaml:"edges" json:"edges"`
}

// Node 节点定义
type Node struct {
	ID   string   `yaml:"id" json:"id"`
	Data NodeData `yaml:"data" json:"data"`
}

// Type 返回节点类型
func (n *Node) Type() NodeType {
	return TypeOf(n.ID)
}

// NodeData 节点协议数据
type NodeData struct {
	NodeMeta    NodeMeta       `yaml:"nodeMeta" json:"nodeMeta"`
	Inputs      []Input        `yaml:"inputs" json:"inputs"`
	Outputs     []Output       `yaml:"outputs" json:"outputs"`
	NodeParam   map[string]any `yaml:"nodeParam,omitempty" json:"nodeParam,omitempty"`
	RetryConfig RetryConfig    `yaml:"retryConfig,omitempty" json:"retryConfig,omitempty"`
}

// NodeMeta 节点元信息
type NodeMeta struct {
	NodeType  string `yaml:"nodeType,omitempty" json:"nodeType,omitempty"`
	AliasName string `yaml:"aliasName" json:"aliasName"`
}

// Input 节点输入定义
type Input struct {
	ID     string      `yaml:"id,omitempty" json:"id,omitempty"`
	Name   string      `yaml:"name" json:"name"`
	Schema InputSchema `yaml:"schema" json:"schema"`
}

// InputSchema 输入 Schema，在类型描述之外携带取值方式
type InputSchema struct {
	types.JSONSchema `yaml:",inline"`
	Value            Value `yaml:"value" json:"value"`
}

// ValueType 输入取值方式
type ValueType string

const (
	ValueTypeLiteral ValueType = "literal"
	ValueTypeRef     ValueType = "ref"
)

// Value 输入值：literal 直接携带内容，ref 携带 NodeRef
type Value struct {
	Type    ValueType `yaml:"type" json:"type"`
	Content any       `yaml:"content" json:"content"`
}

// NodeRef 引用其他节点的输出变量
type NodeRef struct {
	NodeID string `yaml:"nodeId" json:"nodeId"`
	Name   string `yaml:"name" json:"name"`
}

// Ref 解析引用内容。literal 或格式不合法时返回 false
func (v Value) Ref() (NodeRef, bool) {
	if v.Type != ValueTypeRef {
		return NodeRef{}, false
	}
	switch c := v.Content.(type) {
	case NodeRef:
		return c, c.NodeID != ""
	case *NodeRef:
		if c == nil {
			return NodeRef{}, false
		}
		return *c, c.NodeID != ""
	case map[string]any:
		ref := NodeRef{}
		ref.NodeID, _ = c["nodeId"].(string)
		ref.Name, _ = c["name"].(string)
		return ref, ref.NodeID != ""
	}
	return NodeRef{}, false
}

// Output 节点输出定义
type Output struct {
	ID       string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name     string            `yaml:"name" json:"name"`
	Schema   *types.JSONSchema `yaml:"schema" json:"schema"`
	Required bool              `yaml:"required,omitempty" json:"required,omitempty"`
}

// ErrorStrategy 重试耗尽后的处理策略
type ErrorStrategy int

const (
	// ErrorStrategyInterrupt 中断整个工作流
	ErrorStrategyInterrupt ErrorStrategy = 0
	// ErrorStrategyCustomReturn 返回自定义输出并继续
	ErrorStrategyCustomReturn ErrorStrategy = 1
	// ErrorStrategyFailBranch 走异常分支
	ErrorStrategyFailBranch ErrorStrategy = 2
)

func (s ErrorStrategy) String() string {
	switch s {
	case ErrorStrategyCustomReturn:
		return "custom_return"
	case ErrorStrategyFailBranch:
		return "fail_branch"
	default:
		return "interrupt"
	}
}

// DefaultNodeTimeout 节点默认超时（秒）
const DefaultNodeTimeout = 60.0

// RetryConfig 节点重试配置
type RetryConfig struct {
	// Timeout 单次执行超时（秒），0 表示使用默认值
	Timeout       float64        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ShouldRetry   bool           `yaml:"should_retry,omitempty" json:"should_retry,omitempty"`
	MaxRetries    int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	ErrorStrategy ErrorStrategy  `yaml:"error_strategy,omitempty" json:"error_strategy,omitempty"`
	CustomOutput  map[string]any `yaml:"custom_output,omitempty" json:"custom_output,omitempty"`
}

// TimeoutSeconds 返回生效的超时秒数
func (r RetryConfig) TimeoutSeconds() float64 {
	if r.Timeout <= 0 {
		return DefaultNodeTimeout
	}
	return r.Timeout
}

// Edge 节点连线
type Edge struct {
	SourceNodeID string `yaml:"sourceNodeId" json:"sourceNodeId"`
	TargetNodeID string `yaml:"targetNodeId" json:"targetNodeId"`
	SourceHandle string `yaml:"sourceHandle,omitempty" json:"sourceHandle,omitempty"`
}

// IsFailBranch 是否为异常分支边
func (e Edge) IsFailBranch() bool {
	return strings.Contains(e.SourceHandle, FailBranchHandle)
}

// Handle 返回归一化后的 source handle（去掉意图前缀）
func (e Edge) Handle() string {
	if strings.HasPrefix(e.SourceHandle, IntentHandlePrefix) {
		return strings.TrimPrefix(e.SourceHandle, IntentHandlePrefix)
	}
	return e.SourceHandle
}

// NodeByID 按 ID 查找节点
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode 返回主流程开始节点
func (w *Workflow) StartNode() (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].Type() == NodeTypeStart {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// ParamString 读取字符串类型的 nodeParam
func (d *NodeData) ParamString(key string) string {
	if d.NodeParam == nil {
		return ""
	}
	s, _ := d.NodeParam[key].(string)
	return s
}

// ParamInt 读取整型 nodeParam，兼容字符串和浮点表示
func (d *NodeData) ParamInt(key string, def int) int {
	if d.NodeParam == nil {
		return def
	}
	switch v := d.NodeParam[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n := 0
		for _, r := range v {
			if r < '0' || r > '9' {
				return def
			}
			n = n*10 + int(r-'0')
		}
		if v == "" {
			return def
		}
		return n
	}
	return def
}
