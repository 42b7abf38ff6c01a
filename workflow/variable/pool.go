// Package variable implements the per-run variable pool: every declared
// node input and output, keyed by "{node_id}-{name}", plus streaming
// queues, chat history, and first-token flags.
package variable

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
	"github.com/BaSui01/flowengine/workflow/schema"
)

// ErrKeyNotFound marks lookups of variables the protocol never declared.
var ErrKeyNotFound = errors.New("variable key not found")

// Error output names written for every node.
const (
	ErrorCodeKey    = "errorCode"
	ErrorMessageKey = "errorMessage"
)

var variableNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+`)

// MappingKey assembles the pool key of a node variable.
func MappingKey(nodeID, name string) string {
	return nodeID + "-" + name
}

// Entry is one pool slot.
type Entry struct {
	Name     string
	Value    any
	Schema   *types.JSONSchema
	Required bool
	// Input is set for input entries only.
	Input *dsl.InputSchema
}

// Pool is the run-scoped variable store. It is safe for concurrent use.
type Pool struct {
	mu sync.RWMutex

	nodes     []dsl.Node
	nodeIndex map[string]int

	inputs      map[string]*Entry
	outputs     map[string]*Entry
	inputNames  map[string][]string
	outputNames map[string][]string

	history    map[string][]types.Message
	firstToken map[string]bool

	stream *StreamData
	system *SystemParams

	validator schema.Validator
}

// NewPool parses node inputs and outputs into a pool. An empty protocol,
// an empty node id, or a literal that cannot be coerced to its declared
// type is a structural error.
func NewPool(nodes []dsl.Node) (*Pool, error) {
	if len(nodes) == 0 {
		return nil, types.NewStructuralError(types.ErrProtocolValidate, "node configuration information not found")
	}

	p := &Pool{
		nodes:       nodes,
		nodeIndex:   make(map[string]int, len(nodes)),
		inputs:      make(map[string]*Entry),
		outputs:     make(map[string]*Entry),
		inputNames:  make(map[string][]string),
		outputNames: make(map[string][]string),
		history:     make(map[string][]types.Message),
		firstToken:  make(map[string]bool),
		stream:      NewStreamData(),
		system:      NewSystemParams(),
		validator:   schema.NewValidator(),
	}
	for i := range nodes {
		if nodes[i].ID == "" {
			return nil, types.NewStructuralError(types.ErrProtocolValidate, "node id is empty")
		}
		p.nodeIndex[nodes[i].ID] = i
	}
	if err := p.parseInputs(); err != nil {
		return nil, err
	}
	p.parseOutputs()
	return p, nil
}

func (p *Pool) parseInputs() error {
	for _, node := range p.nodes {
		for i := range node.Data.Inputs {
			in := &node.Data.Inputs[i]
			entry := &Entry{
				Name:   in.Name,
				Schema: &in.Schema.JSONSchema,
				Input:  &in.Schema,
			}
			if in.Schema.Value.Type == dsl.ValueTypeLiteral {
				v, err := Coerce(in.Schema.Type, in.Schema.Value.Content)
				if err != nil {
					return types.NewStructuralError(types.ErrVariableParse,
						fmt.Sprintf("failed to convert literal value %s to type %s, literal value: %v",
							in.Name, in.Schema.Type, in.Schema.Value.Content)).WithNodeID(node.ID).WithCause(err)
				}
				entry.Value = v
			}
			p.inputs[MappingKey(node.ID, in.Name)] = entry
			p.inputNames[node.ID] = append(p.inputNames[node.ID], in.Name)
		}
	}
	return nil
}

func (p *Pool) parseOutputs() {
	for _, node := range p.nodes {
		for _, out := range node.Data.Outputs {
			p.outputs[MappingKey(node.ID, out.Name)] = &Entry{
				Name:     out.Name,
				Value:    out.Schema.InitialValue(),
				Schema:   out.Schema,
				Required: out.Required,
			}
			p.outputNames[node.ID] = append(p.outputNames[node.ID], out.Name)
		}
	}
}

// Nodes returns the protocol the pool was built from.
func (p *Pool) Nodes() []dsl.Node {
	return p.nodes
}

// NodeProtocol returns the protocol data of nodeID.
func (p *Pool) NodeProtocol(nodeID string) (*dsl.NodeData, error) {
	i, ok := p.nodeIndex[nodeID]
	if !ok {
		return nil, types.NewStructuralError(types.ErrProtocolValidate,
			fmt.Sprintf("node configuration information not found, node id = %s", nodeID))
	}
	return &p.nodes[i].Data, nil
}

// InputNames returns declared input names of nodeID in protocol order.
func (p *Pool) InputNames(nodeID string) []string {
	return append([]string(nil), p.inputNames[nodeID]...)
}

// OutputNames returns declared output names of nodeID in protocol order.
func (p *Pool) OutputNames(nodeID string) []string {
	names := make([]string, 0, len(p.outputNames[nodeID]))
	for _, n := range p.outputNames[nodeID] {
		if n == ErrorCodeKey || n == ErrorMessageKey {
			continue
		}
		names = append(names, n)
	}
	return names
}

// OutputSchema returns the declared schema of an output, or nil.
func (p *Pool) OutputSchema(nodeID, name string) *types.JSONSchema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.outputs[MappingKey(nodeID, name)]; ok {
		return e.Schema
	}
	return nil
}

// Stream returns the stream router shared across forks.
func (p *Pool) Stream() *StreamData {
	return p.stream
}

// System returns the run-wide system params shared across forks.
func (p *Pool) System() *SystemParams {
	return p.system
}

func missingKey(nodeID, key string) error {
	return types.NewStructuralError(types.ErrVariableGet,
		fmt.Sprintf("node %s does not have value %s", nodeID, key)).WithNodeID(nodeID).WithCause(ErrKeyNotFound)
}

// GetVariable resolves keyPath for nodeID: literal inputs return their
// value, ref inputs resolve through the referenced output, anything else
// resolves against nodeID's own outputs.
func (p *Pool) GetVariable(nodeID, keyPath string) (any, error) {
	name := strings.SplitN(keyPath, ".", 2)[0]

	p.mu.RLock()
	in, isInput := p.inputs[MappingKey(nodeID, name)]
	var (
		literal bool
		value   any
		ref     dsl.NodeRef
		refOK   bool
	)
	if isInput {
		literal = in.Input.Value.Type == dsl.ValueTypeLiteral
		value = in.Value
		ref, refOK = in.Input.Value.Ref()
	}
	_, isOutput := p.outputs[MappingKey(nodeID, name)]
	p.mu.RUnlock()

	switch {
	case isInput && literal:
		return value, nil
	case isInput:
		if !refOK {
			return nil, types.NewStructuralError(types.ErrVariableParse,
				fmt.Sprintf("node %s input %s has malformed ref", nodeID, name)).WithNodeID(nodeID)
		}
		return p.GetOutputVariable(ref.NodeID, ref.Name)
	case isOutput:
		return p.GetOutputVariable(nodeID, keyPath)
	}
	return nil, missingKey(nodeID, keyPath)
}

// GetOutputVariable resolves a dotted path against nodeID's outputs,
// walking array items and object properties of the declared schema.
// Arrays of objects are mapped element-wise. Keys the value lacks yield
// the type default; keys the schema lacks are structural errors.
func (p *Pool) GetOutputVariable(nodeID, keyPath string) (any, error) {
	keys := strings.Split(keyPath, ".")

	p.mu.RLock()
	e, ok := p.outputs[MappingKey(nodeID, keys[0])]
	var (
		value any
		sch   *types.JSONSchema
	)
	if ok {
		value, sch = deepCopy(e.Value), e.Schema
	}
	p.mu.RUnlock()

	if !ok {
		return nil, missingKey(nodeID, keys[0])
	}
	if len(keys) == 1 {
		return value, nil
	}
	return walk(nodeID, value, sch, keys[1:])
}

func walk(nodeID string, value any, sch *types.JSONSchema, keys []string) (any, error) {
	for i, key := range keys {
		if sch == nil {
			return value, nil
		}
		switch sch.Type {
		case types.SchemaTypeArray:
			items := sch.Items
			if items == nil || items.Type != types.SchemaTypeObject {
				return value, nil
			}
			prop, ok := items.Properties[key]
			if !ok {
				return nil, missingKey(nodeID, key)
			}
			arr, _ := value.([]any)
			out := make([]any, 0, len(arr))
			for _, el := range arr {
				v := fieldOrDefault(el, key, prop)
				sub, err := walk(nodeID, v, prop, keys[i+1:])
				if err != nil {
					return nil, err
				}
				out = append(out, sub)
			}
			return out, nil

		case types.SchemaTypeObject:
			prop, ok := sch.Properties[key]
			if !ok {
				return nil, missingKey(nodeID, key)
			}
			value, sch = fieldOrDefault(value, key, prop), prop

		default:
			return value, nil
		}
	}
	return value, nil
}

func fieldOrDefault(container any, key string, prop *types.JSONSchema) any {
	if obj, ok := container.(map[string]any); ok {
		if v, present := obj[key]; present {
			return v
		}
	}
	return types.DefaultValue(prop.Type)
}

// InputValues resolves every declared input of nodeID.
func (p *Pool) InputValues(nodeID string) (map[string]any, error) {
	out := make(map[string]any, len(p.inputNames[nodeID]))
	for _, name := range p.inputNames[nodeID] {
		v, err := p.GetVariable(nodeID, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// RefNodeInfo describes where a variable comes from.
type RefNodeInfo struct {
	RefNodeID    string        `json:"ref_node_id"`
	RefVarName   string        `json:"ref_var_name"`
	RefVarType   dsl.ValueType `json:"ref_var_type"`
	LiteralValue string        `json:"literal_var_value"`
	// LLMRespFormat is the respFormat param of a referenced LLM node.
	LLMRespFormat int `json:"llm_resp_format"`
}

// RefNodeInfo resolves the origin of nodeID's input keyName. Unknown
// inputs return an empty RefNodeInfo.
func (p *Pool) RefNodeInfo(nodeID, keyName string) (RefNodeInfo, error) {
	name := variableNamePattern.FindString(keyName)
	if name == "" {
		return RefNodeInfo{}, types.NewStructuralError(types.ErrVariableParse,
			fmt.Sprintf("invalid variable expression %q", keyName)).WithNodeID(nodeID)
	}

	p.mu.RLock()
	in, ok := p.inputs[MappingKey(nodeID, name)]
	p.mu.RUnlock()
	if !ok {
		return RefNodeInfo{}, nil
	}

	info := RefNodeInfo{RefVarType: in.Input.Value.Type}
	switch in.Input.Value.Type {
	case dsl.ValueTypeLiteral:
		info.RefNodeID = nodeID
		info.RefVarName = in.Name
		info.LiteralValue = fmt.Sprint(in.Value)
	case dsl.ValueTypeRef:
		ref, ok := in.Input.Value.Ref()
		if !ok {
			return RefNodeInfo{}, types.NewStructuralError(types.ErrVariableParse,
				fmt.Sprintf("node %s input %s has malformed ref", nodeID, name)).WithNodeID(nodeID)
		}
		info.RefNodeID = ref.NodeID
		info.RefVarName = ref.Name
		if dsl.TypeOf(ref.NodeID) == dsl.NodeTypeLLM {
			if data, err := p.NodeProtocol(ref.NodeID); err == nil {
				info.LLMRespFormat = data.ParamInt("respFormat", 0)
			}
		}
	default:
		return RefNodeInfo{}, types.NewStructuralError(types.ErrVariableParse,
			fmt.Sprintf("node %s input %s has invalid value type", nodeID, name)).WithNodeID(nodeID)
	}
	return info, nil
}

// validate checks values against an object schema built from nodeID's
// declared outputs. Must be called with mu held.
func (p *Pool) validate(nodeID string, values map[string]any) error {
	obj := types.NewObjectSchema()
	obj.Schema = types.DraftSchemaURI
	for _, name := range p.outputNames[nodeID] {
		e := p.outputs[MappingKey(nodeID, name)]
		obj.AddProperty(name, e.Schema)
		if e.Required {
			obj.AddRequired(name)
		}
	}
	if values == nil {
		values = map[string]any{}
	}
	return p.validator.Validate(values, obj)
}

// AddVariable validates and stores a node's outputs. Error outputs are
// always recorded. End nodes store into their input slots instead.
func (p *Pool) AddVariable(nodeID string, keys []string, outputs, errorOutputs map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dsl.TypeOf(nodeID) == dsl.NodeTypeEnd {
		for _, key := range keys {
			if e, ok := p.inputs[MappingKey(nodeID, key)]; ok {
				e.Value = outputs[key]
			}
		}
		return nil
	}

	if err := p.validate(nodeID, outputs); err != nil {
		return types.NewError(types.ErrVariableSet, err.Error()).WithNodeID(nodeID)
	}

	for _, key := range keys {
		e, ok := p.outputs[MappingKey(nodeID, key)]
		if !ok {
			continue
		}
		if v, present := outputs[key]; present {
			e.Value = v
		}
	}

	code, msg := any(int64(0)), any("")
	if v, ok := errorOutputs[ErrorCodeKey]; ok {
		code = v
	}
	if v, ok := errorOutputs[ErrorMessageKey]; ok {
		msg = v
	}
	p.setErrorEntry(nodeID, ErrorCodeKey, code, &types.JSONSchema{Type: types.SchemaTypeInteger, Description: "Node error code"})
	p.setErrorEntry(nodeID, ErrorMessageKey, msg, &types.JSONSchema{Type: types.SchemaTypeString, Description: "Node error message"})
	return nil
}

// setErrorEntry must be called with mu held.
func (p *Pool) setErrorEntry(nodeID, name string, value any, sch *types.JSONSchema) {
	key := MappingKey(nodeID, name)
	if e, ok := p.outputs[key]; ok {
		e.Value = value
		return
	}
	p.outputs[key] = &Entry{Name: name, Value: value, Schema: sch}
	p.outputNames[nodeID] = append(p.outputNames[nodeID], name)
}

// AddInitVariable validates and stores run inputs on the start node.
// A value is stored only when its runtime type matches the schema type.
func (p *Pool) AddInitVariable(nodeID string, keys []string, values map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.validate(nodeID, values); err != nil {
		return types.NewError(types.ErrVariableSet, err.Error()).WithNodeID(nodeID)
	}
	for _, key := range keys {
		e, ok := p.outputs[MappingKey(nodeID, key)]
		if !ok {
			return types.NewError(types.ErrVariableSet,
				fmt.Sprintf("node %s input parameter %s does not exist", nodeID, MappingKey(nodeID, key))).WithNodeID(nodeID)
		}
		v := values[key]
		if e.Schema != nil && types.MatchesType(e.Schema.Type, v) {
			e.Value = v
		}
	}
	return nil
}

// SetStreamNodeHasSentFirstToken marks that a streaming node emitted output.
func (p *Pool) SetStreamNodeHasSentFirstToken(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firstToken[nodeID] = true
}

// StreamNodeHasSentFirstToken reports whether nodeID already emitted output.
func (p *Pool) StreamNodeHasSentFirstToken(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.firstToken[nodeID]
}

// AddHistory attaches chat history per node.
func (p *Pool) AddHistory(histories []types.NodeHistory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range histories {
		p.history[h.NodeID] = append([]types.Message(nil), h.ChatHistory...)
	}
}

// History returns a copy of nodeID's chat history.
func (p *Pool) History(nodeID string) []types.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.Message(nil), p.history[nodeID]...)
}

// Fork returns an independent pool for an iteration sub-run. Stream data
// and system params are shared; mappings, history and first-token flags
// are copied.
func (p *Pool) Fork() *Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	f := &Pool{
		nodes:       p.nodes,
		nodeIndex:   p.nodeIndex,
		inputs:      copyEntries(p.inputs),
		outputs:     copyEntries(p.outputs),
		inputNames:  copyNames(p.inputNames),
		outputNames: copyNames(p.outputNames),
		history:     make(map[string][]types.Message, len(p.history)),
		firstToken:  make(map[string]bool, len(p.firstToken)),
		stream:      p.stream,
		system:      p.system,
		validator:   p.validator,
	}
	for k, v := range p.history {
		f.history[k] = append([]types.Message(nil), v...)
	}
	for k, v := range p.firstToken {
		f.firstToken[k] = v
	}
	return f
}

func copyEntries(src map[string]*Entry) map[string]*Entry {
	dst := make(map[string]*Entry, len(src))
	for k, e := range src {
		c := *e
		c.Value = deepCopy(e.Value)
		dst[k] = &c
	}
	return dst
}

func copyNames(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src))
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = deepCopy(val)
		}
		return s
	}
	return v
}
