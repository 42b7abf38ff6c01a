package node

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// DefaultIntentType marks the fallback intent of a decision node.
const DefaultIntentType = 1

// Decision 决策节点，通过分类器选择意图分支
type Decision struct {
	Base
	intents    []Intent
	classifier Classifier
}

// NewDecision creates a decision node from nodeParam "intentChains".
func NewDecision(n dsl.Node, deps Deps) (Node, error) {
	d := &Decision{Base: NewBase(n), classifier: deps.Classifier}
	raw, err := json.Marshal(n.Data.NodeParam["intentChains"])
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.intents); err != nil || len(d.intents) == 0 {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			fmt.Sprintf("decision node %s: invalid intentChains", n.ID)).WithNodeID(n.ID)
	}
	return d, nil
}

// DefaultIntent returns the fallback intent, if one is declared.
func (d *Decision) DefaultIntent() (Intent, bool) {
	for _, in := range d.intents {
		if in.IntentType == DefaultIntentType {
			return in, true
		}
	}
	return Intent{}, false
}

// Execute classifies the query input and selects the intent edge.
func (d *Decision) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	inputs, err := d.inputValues(rc.Pool)
	if err != nil {
		return d.Fail(inputs, err, types.ErrDecisionExecution), nil
	}
	query := ""
	if v, ok := inputs["Query"]; ok {
		query = Stringify(v)
	} else if names := d.InputNames(); len(names) > 0 {
		query = Stringify(inputs[names[0]])
	}

	var chosen *Intent
	var cls Classification
	if d.classifier != nil {
		cls, err = d.classifier.Classify(ctx, query, d.intents)
		if err != nil {
			rc.logger().Warn("classify failed, falling back to default intent",
				zap.String("node_id", d.id), zap.Error(err))
			rc.span().AddErrorEvent(err)
		} else {
			for i := range d.intents {
				if d.intents[i].ID == cls.IntentID || (cls.IntentID == "" && d.intents[i].Name == cls.ClassName) {
					chosen = &d.intents[i]
					break
				}
			}
		}
	}
	if chosen == nil {
		def, ok := d.DefaultIntent()
		if !ok {
			return d.Fail(inputs, types.NewError(types.ErrDecisionExecution,
				"no intent matched and no default intent declared"), types.ErrDecisionExecution), nil
		}
		chosen = &def
	}

	res := d.Success(inputs, map[string]any{"class_name": chosen.Name})
	res.EdgeSourceHandle = chosen.ID
	res.RawOutput = cls.Raw
	res.TokenCost = cls.Usage
	res.ProcessData = map[string]any{"query": query}
	return res, nil
}
