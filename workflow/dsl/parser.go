package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowengine/types"
)

// Parser 工作流协议解析器，支持 JSON 与 YAML
type Parser struct {
	validator *Validator
}

// NewParser 创建协议解析器
func NewParser() *Parser {
	return &Parser{validator: NewValidator()}
}

// ParseFile 从文件解析协议
func (p *Parser) ParseFile(filename string) (*Workflow, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return p.Parse(data)
}

// Parse 解析协议字节。以 '{' 开头按 JSON 解析，否则按 YAML 解析
func (p *Parser) Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, types.NewStructuralError(types.ErrProtocolValidate, "workflow protocol is empty")
	}

	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &wf); err != nil {
			return nil, types.NewStructuralError(types.ErrProtocolValidate, "parse JSON").WithCause(err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &wf); err != nil {
			return nil, types.NewStructuralError(types.ErrProtocolValidate, "parse YAML").WithCause(err)
		}
	}

	if errs := p.validator.Validate(&wf); len(errs) > 0 {
		return nil, types.NewStructuralError(types.ErrProtocolValidate, "validate workflow").WithCause(errors.Join(errs...))
	}
	return &wf, nil
}

// Marshal 将协议序列化为 JSON
func Marshal(wf *Workflow) ([]byte, error) {
	return json.Marshal(wf)
}
