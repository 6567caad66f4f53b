package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	xerrors "EffiSend-Agent/internal/errors"
)

// 支持的参数类型。
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
)

// Property 描述一个工具参数。
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Schema 是工具参数的 JSON Schema 子集：对象、类型化属性、必填列表，
// 不允许额外属性。
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// MarshalJSON 输出模型可理解的 JSON Schema。
func (s Schema) MarshalJSON() ([]byte, error) {
	props := s.Properties
	if props == nil {
		props = map[string]Property{}
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return json.Marshal(struct {
		Type                 string              `json:"type"`
		Properties           map[string]Property `json:"properties"`
		Required             []string            `json:"required"`
		AdditionalProperties bool                `json:"additionalProperties"`
	}{"object", props, required, false})
}

// Validate 校验模型给出的参数，返回规范化后的 JSON 对象。
func (s Schema) Validate(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	var args map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数必须是 JSON 对象")
	}

	var problems []string
	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			problems = append(problems, "缺少必填参数 "+name)
		}
	}
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := s.Properties[name]
		if !ok {
			problems = append(problems, "不支持的参数 "+name)
			continue
		}
		if args[name] == nil {
			continue
		}
		if err := checkValue(prop, args[name]); err != nil {
			problems = append(problems, fmt.Sprintf("参数 %s %v", name, err))
		}
	}
	if len(problems) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, strings.Join(problems, "; "))
	}
	return json.RawMessage(raw), nil
}

func checkValue(prop Property, value any) error {
	switch prop.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("应为字符串")
		}
		if len(prop.Enum) > 0 {
			for _, allowed := range prop.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("取值必须是 %s 之一", strings.Join(prop.Enum, ", "))
		}
	case TypeNumber:
		if _, ok := value.(json.Number); !ok {
			return fmt.Errorf("应为数字")
		}
	case TypeInteger:
		n, ok := value.(json.Number)
		if !ok {
			return fmt.Errorf("应为整数")
		}
		if _, err := n.Int64(); err != nil {
			return fmt.Errorf("应为整数")
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("应为布尔值")
		}
	case TypeArray:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("应为数组")
		}
		if prop.Items != nil {
			for i, item := range items {
				if err := checkValue(*prop.Items, item); err != nil {
					return fmt.Errorf("第 %d 项%v", i, err)
				}
			}
		}
	default:
		return fmt.Errorf("未知类型 %s", prop.Type)
	}
	return nil
}
