package dsl

import (
	"fmt"
)

// Validator 协议验证器
type Validator struct{}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

var knownNodeTypes = map[NodeType]bool{
	NodeTypeStart: true, NodeTypeEnd: true, NodeTypeMessage: true,
	NodeTypeIteration: true, NodeTypeIterationStart: true, NodeTypeIterationEnd: true,
	NodeTypeIfElse: true, NodeTypeDecision: true, NodeTypeQuestionAnswer: true,
	NodeTypeLLM: true, NodeTypeAgent: true, NodeTypeFlow: true,
	NodeTypeKnowledgePro: true, NodeTypePlugin: true,
}

// Validate 验证协议定义
func (v *Validator) Validate(wf *Workflow) []error {
	var errs []error

	if len(wf.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes must have at least one node"))
		return errs
	}

	// 收集所有节点 ID
	nodeIDs := make(map[string]bool, len(wf.Nodes))
	starts, ends := 0, 0
	for _, node := range wf.Nodes {
		if node.ID == "" {
			errs = append(errs, fmt.Errorf("node ID is required"))
			continue
		}
		if nodeIDs[node.ID] {
			errs = append(errs, fmt.Errorf("duplicate node ID: %s", node.ID))
		}
		nodeIDs[node.ID] = true

		switch node.Type() {
		case NodeTypeStart:
			starts++
		case NodeTypeEnd:
			ends++
		}
	}
	if starts != 1 {
		errs = append(errs, fmt.Errorf("workflow must have exactly one start node, got %d", starts))
	}
	if ends == 0 {
		errs = append(errs, fmt.Errorf("workflow must have an end node"))
	}

	for i := range wf.Nodes {
		errs = append(errs, v.validateNode(&wf.Nodes[i], nodeIDs)...)
	}

	for _, edge := range wf.Edges {
		if !nodeIDs[edge.SourceNodeID] {
			errs = append(errs, fmt.Errorf("edge source node %q does not exist", edge.SourceNodeID))
		}
		if !nodeIDs[edge.TargetNodeID] {
			errs = append(errs, fmt.Errorf("edge target node %q does not exist", edge.TargetNodeID))
		}
	}

	return errs
}

// validateNode 验证单个节点
func (v *Validator) validateNode(node *Node, nodeIDs map[string]bool) []error {
	var errs []error
	if node.ID == "" {
		return nil
	}

	if !knownNodeTypes[node.Type()] {
		errs = append(errs, fmt.Errorf("node %s: unsupported node type %q", node.ID, node.Type()))
	}

	seen := make(map[string]bool)
	for _, in := range node.Data.Inputs {
		if in.Name == "" {
			errs = append(errs, fmt.Errorf("node %s: input name is required", node.ID))
			continue
		}
		if seen[in.Name] {
			errs = append(errs, fmt.Errorf("node %s: duplicate input %q", node.ID, in.Name))
		}
		seen[in.Name] = true

		switch in.Schema.Value.Type {
		case ValueTypeLiteral:
		case ValueTypeRef:
			ref, ok := in.Schema.Value.Ref()
			if !ok {
				errs = append(errs, fmt.Errorf("node %s: input %q has malformed ref", node.ID, in.Name))
			} else if !nodeIDs[ref.NodeID] {
				errs = append(errs, fmt.Errorf("node %s: input %q references unknown node %q", node.ID, in.Name, ref.NodeID))
			}
		default:
			errs = append(errs, fmt.Errorf("node %s: input %q has invalid value type %q", node.ID, in.Name, in.Schema.Value.Type))
		}
	}

	for _, out := range node.Data.Outputs {
		if out.Name == "" {
			errs = append(errs, fmt.Errorf("node %s: output name is required", node.ID))
		}
		if out.Schema == nil {
			errs = append(errs, fmt.Errorf("node %s: output %q requires schema", node.ID, out.Name))
		}
	}

	rc := node.Data.RetryConfig
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("node %s: max_retries must be >= 0", node.ID))
	}
	if rc.Timeout < 0 {
		errs = append(errs, fmt.Errorf("node %s: timeout must be >= 0", node.ID))
	}
	if rc.ErrorStrategy < ErrorStrategyInterrupt || rc.ErrorStrategy > ErrorStrategyFailBranch {
		errs = append(errs, fmt.Errorf("node %s: invalid error_strategy %d", node.ID, rc.ErrorStrategy))
	}

	return errs
}
