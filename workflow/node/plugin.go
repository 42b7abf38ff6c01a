package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// Plugin 插件节点，调用外部工具
type Plugin struct {
	Base
	client        PluginClient
	pluginID      string
	operationID   string
	appID         string
	version       string
	businessInput []string
}

// NewPlugin creates a plugin node.
func NewPlugin(n dsl.Node, deps Deps) (Node, error) {
	p := &Plugin{
		Base:        NewBase(n),
		client:      deps.Plugin,
		pluginID:    n.Data.ParamString("pluginId"),
		operationID: n.Data.ParamString("operationId"),
		appID:       n.Data.ParamString("appId"),
		version:     n.Data.ParamString("version"),
	}
	if p.pluginID == "" || p.operationID == "" {
		return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
			"plugin node "+n.ID+" needs pluginId and operationId").WithNodeID(n.ID)
	}
	if p.version == "" {
		p.version = "V1.0"
	}
	if keys, ok := n.Data.NodeParam["businessInput"].([]any); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				p.businessInput = append(p.businessInput, s)
			}
		}
	}
	return p, nil
}

// Execute runs the plugin and type-checks its result against the declared
// outputs. A missing or mistyped output gets its type default.
func (p *Plugin) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	inputs, err := p.inputValues(rc.Pool)
	if err != nil {
		return p.Fail(inputs, err, types.ErrVariableGet), nil
	}
	if p.client == nil {
		return p.Fail(inputs, types.NewError(types.ErrPluginExecution, "no plugin client configured"),
			types.ErrPluginExecution), nil
	}
	rc.span().AddEvent("action_input", inputs)

	req := PluginRequest{
		PluginID:  p.pluginID,
		Operation: p.operationID,
		Version:   p.version,
		AppID:     p.appID,
		Inputs:    inputs,
	}
	if business := p.businessValues(inputs); len(business) > 0 {
		req.Inputs = make(map[string]any, len(inputs)+1)
		for k, v := range inputs {
			req.Inputs[k] = v
		}
		req.Inputs["business_input"] = business
	}

	resp, err := p.call(ctx, req)
	if err != nil {
		rc.span().RecordError(err)
		return p.Fail(inputs, types.WrapError(err, types.ErrPluginExecution, "plugin call failed").WithRetryable(true),
			types.ErrPluginExecution), nil
	}
	if resp.Code != 0 {
		e := types.Errorf(types.ErrPluginExecution, "plugin %s returned code %d: %s", p.pluginID, resp.Code, resp.Message)
		rc.span().AddErrorEvent(e)
		return p.Fail(inputs, e, types.ErrPluginExecution), nil
	}

	outputs := make(map[string]any, len(p.data.Outputs))
	for _, name := range p.OutputNames() {
		v, ok := resp.Result[name]
		sch := rc.Pool.OutputSchema(p.id, name)
		if sch == nil {
			outputs[name] = v
			continue
		}
		if !ok || !types.MatchesType(sch.Type, v) {
			rc.logger().Debug("plugin output missing or mistyped, using default",
				zap.String("node_id", p.id), zap.String("output", name))
			v = types.DefaultValue(sch.Type)
		}
		outputs[name] = v
	}
	res := p.Success(inputs, outputs)
	res.ProcessData = map[string]any{"sid": resp.Sid}
	return res, nil
}

// call runs the plugin, merging chunks when the client streams.
func (p *Plugin) call(ctx context.Context, req PluginRequest) (*PluginResponse, error) {
	sc, ok := p.client.(StreamingPluginClient)
	if !ok {
		return p.client.Run(ctx, req)
	}
	chunks, err := sc.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	merged := &PluginResponse{Result: map[string]any{}}
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Response == nil {
			continue
		}
		if chunk.Response.Code != 0 {
			return chunk.Response, nil
		}
		merged.Sid = chunk.Response.Sid
		merged.Message = chunk.Response.Message
		merged.Log = append(merged.Log, chunk.Response.Log...)
		for k, v := range chunk.Response.Result {
			merged.Result[k] = v
		}
	}
	return merged, nil
}

// businessValues finds the configured business keys anywhere in the inputs,
// breadth first.
func (p *Plugin) businessValues(inputs map[string]any) map[string]any {
	if len(p.businessInput) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, key := range p.businessInput {
		queue := []any{inputs}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			found := false
			switch v := cur.(type) {
			case map[string]any:
				if val, ok := v[key]; ok {
					out[key] = val
					found = true
					break
				}
				for _, child := range v {
					switch child.(type) {
					case map[string]any, []any:
						queue = append(queue, child)
					}
				}
			case []any:
				for _, child := range v {
					switch child.(type) {
					case map[string]any, []any:
						queue = append(queue, child)
					}
				}
			}
			if found {
				break
			}
		}
	}
	return out
}
