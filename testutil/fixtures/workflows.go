// Package fixtures 提供工作流协议的测试数据工厂。
package fixtures

import (
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// =============================================================================
// 🧩 输入输出
// =============================================================================

// Literal 构造 literal 输入
func Literal(name string, t types.SchemaType, content any) dsl.Input {
	return dsl.Input{
		Name: name,
		Schema: dsl.InputSchema{
			JSONSchema: types.JSONSchema{Type: t},
			Value:      dsl.Value{Type: dsl.ValueTypeLiteral, Content: content},
		},
	}
}

// Ref 构造引用其他节点输出的输入
func Ref(name string, t types.SchemaType, nodeID, varName string) dsl.Input {
	return dsl.Input{
		Name: name,
		Schema: dsl.InputSchema{
			JSONSchema: types.JSONSchema{Type: t},
			Value: dsl.Value{
				Type:    dsl.ValueTypeRef,
				Content: map[string]any{"nodeId": nodeID, "name": varName},
			},
		},
	}
}

// Out 构造可选输出
func Out(name string, t types.SchemaType) dsl.Output {
	return dsl.Output{Name: name, Schema: &types.JSONSchema{Type: t}}
}

// RequiredOut 构造必填输出
func RequiredOut(name string, t types.SchemaType) dsl.Output {
	o := Out(name, t)
	o.Required = true
	return o
}

// SchemaOut 使用完整 schema 构造输出
func SchemaOut(name string, schema *types.JSONSchema) dsl.Output {
	return dsl.Output{Name: name, Schema: schema}
}

// =============================================================================
// 🔧 节点构造
// =============================================================================

// NodeBuilder 节点构造器
type NodeBuilder struct {
	node dsl.Node
}

// NewNode 创建节点构造器，alias 为空时使用 ID
func NewNode(id string) *NodeBuilder {
	return &NodeBuilder{node: dsl.Node{
		ID: id,
		Data: dsl.NodeData{
			NodeMeta:  dsl.NodeMeta{AliasName: id},
			NodeParam: map[string]any{},
		},
	}}
}

// Alias 设置别名
func (b *NodeBuilder) Alias(alias string) *NodeBuilder {
	b.node.Data.NodeMeta.AliasName = alias
	return b
}

// In 添加输入
func (b *NodeBuilder) In(inputs ...dsl.Input) *NodeBuilder {
	b.node.Data.Inputs = append(b.node.Data.Inputs, inputs...)
	return b
}

// Out 添加输出
func (b *NodeBuilder) Out(outputs ...dsl.Output) *NodeBuilder {
	b.node.Data.Outputs = append(b.node.Data.Outputs, outputs...)
	return b
}

// Param 设置 nodeParam
func (b *NodeBuilder) Param(key string, value any) *NodeBuilder {
	b.node.Data.NodeParam[key] = value
	return b
}

// Retry 设置重试配置
func (b *NodeBuilder) Retry(rc dsl.RetryConfig) *NodeBuilder {
	b.node.Data.RetryConfig = rc
	return b
}

// Build 返回节点
func (b *NodeBuilder) Build() dsl.Node {
	return b.node
}

// Start 构造开始节点
func Start(id string, outputs ...dsl.Output) dsl.Node {
	return NewNode(id).Alias("开始").Out(outputs...).Build()
}

// End 构造变量模式的结束节点，inputs 为引用
func End(id string, inputs ...dsl.Input) dsl.Node {
	return NewNode(id).Alias("结束").In(inputs...).Param("outputMode", 0).Build()
}

// =============================================================================
// 🗺️ 工作流构造
// =============================================================================

// WorkflowBuilder 工作流构造器
type WorkflowBuilder struct {
	wf dsl.Workflow
}

// NewWorkflow 创建工作流构造器
func NewWorkflow(id string) *WorkflowBuilder {
	return &WorkflowBuilder{wf: dsl.Workflow{ID: id, Name: id}}
}

// Add 添加节点
func (b *WorkflowBuilder) Add(nodes ...dsl.Node) *WorkflowBuilder {
	b.wf.Nodes = append(b.wf.Nodes, nodes...)
	return b
}

// Edge 添加普通连线
func (b *WorkflowBuilder) Edge(src, dst string) *WorkflowBuilder {
	return b.EdgeHandle(src, dst, "")
}

// EdgeHandle 添加带 source handle 的连线
func (b *WorkflowBuilder) EdgeHandle(src, dst, handle string) *WorkflowBuilder {
	b.wf.Edges = append(b.wf.Edges, dsl.Edge{SourceNodeID: src, TargetNodeID: dst, SourceHandle: handle})
	return b
}

// Chain 依次连接多个节点
func (b *WorkflowBuilder) Chain(ids ...string) *WorkflowBuilder {
	for i := 0; i+1 < len(ids); i++ {
		b.Edge(ids[i], ids[i+1])
	}
	return b
}

// UpdatedAt 设置协议更新时间
func (b *WorkflowBuilder) UpdatedAt(ts int64) *WorkflowBuilder {
	b.wf.UpdatedAt = ts
	return b
}

// Build 返回工作流协议
func (b *WorkflowBuilder) Build() *dsl.Workflow {
	wf := b.wf
	return &wf
}

// =============================================================================
// 📦 常用拓扑
// =============================================================================

// Linear 构造 start -> end 的最小工作流，end 输出 start 的 input
func Linear() *dsl.Workflow {
	return NewWorkflow("linear").
		Add(
			Start("node-start::1", RequiredOut("input", types.SchemaTypeString)),
			End("node-end::1", Ref("output", types.SchemaTypeString, "node-start::1", "input")),
		).
		Chain("node-start::1", "node-end::1").
		Build()
}
