package workflow

import (
	"context"

	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/node"
)

// Strategy 节点执行策略
type Strategy interface {
	CanHandle(t dsl.NodeType) bool
	Execute(ctx context.Context, n node.Node, rc *node.RunContext) (*node.RunResult, error)
}

// DefaultStrategy marks the node as processing and runs it.
type DefaultStrategy struct{}

func (DefaultStrategy) CanHandle(dsl.NodeType) bool { return true }

func (DefaultStrategy) Execute(ctx context.Context, n node.Node, rc *node.RunContext) (*node.RunResult, error) {
	rc.Statuses.Of(n.ID()).Processing.Set()
	return n.Execute(ctx, rc)
}

// Gate is a mutex whose acquisition honours context cancellation.
type Gate chan struct{}

// NewGate creates an open gate.
func NewGate() Gate { return make(Gate, 1) }

// Acquire blocks until the gate is held or ctx ends.
func (g Gate) Acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release opens the gate.
func (g Gate) Release() { <-g }

// QuestionAnswerStrategy runs question-answer nodes one at a time so a
// client never faces two open questions.
type QuestionAnswerStrategy struct {
	gate Gate
}

// NewQuestionAnswerStrategy creates the strategy over a run-wide gate.
// Iteration sub-runs share the gate of their parent run.
func NewQuestionAnswerStrategy(gate Gate) *QuestionAnswerStrategy {
	return &QuestionAnswerStrategy{gate: gate}
}

func (s *QuestionAnswerStrategy) CanHandle(t dsl.NodeType) bool {
	return t == dsl.NodeTypeQuestionAnswer
}

func (s *QuestionAnswerStrategy) Execute(ctx context.Context, n node.Node, rc *node.RunContext) (*node.RunResult, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.gate.Release()
	return DefaultStrategy{}.Execute(ctx, n, rc)
}

// StrategyManager picks the strategy of a node type.
type StrategyManager struct {
	strategies []Strategy
}

// NewStrategyManager creates a manager with the question-answer strategy
// first and the default strategy last.
func NewStrategyManager(qaGate Gate) *StrategyManager {
	return &StrategyManager{strategies: []Strategy{
		NewQuestionAnswerStrategy(qaGate),
		DefaultStrategy{},
	}}
}

// Strategy returns the first strategy that handles t.
func (m *StrategyManager) Strategy(t dsl.NodeType) Strategy {
	for _, s := range m.strategies {
		if s.CanHandle(t) {
			return s
		}
	}
	return DefaultStrategy{}
}
