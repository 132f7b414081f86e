package service

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"lms_backend/internal/util"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed question_types.yaml
var defaultQuestionTypes []byte

type questionTypeSpec struct {
	Name      string                 `yaml:"name"`
	Composite bool                   `yaml:"composite"`
	Schema    map[string]interface{} `yaml:"schema"`
}

type catalogFile struct {
	Types []questionTypeSpec `yaml:"types"`
}

type questionType struct {
	name      string
	composite bool
	schema    *gojsonschema.Schema
}

// QuestionCatalog 题型目录：复合题型标记 + question_data 校验
// 不在目录中的题型按自由格式处理
type QuestionCatalog struct {
	types map[string]*questionType
}

// LoadQuestionCatalog path 为空时使用内置目录
func LoadQuestionCatalog(path string) (*QuestionCatalog, error) {
	data := defaultQuestionTypes
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read question catalog: %w", err)
		}
		data = b
	}
	return ParseQuestionCatalog(data)
}

func ParseQuestionCatalog(data []byte) (*QuestionCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse question catalog: %w", err)
	}

	c := &QuestionCatalog{types: make(map[string]*questionType, len(file.Types))}
	for _, spec := range file.Types {
		if spec.Name == "" {
			return nil, fmt.Errorf("question catalog: type without name")
		}
		qt := &questionType{name: spec.Name, composite: spec.Composite}
		if len(spec.Schema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Schema))
			if err != nil {
				return nil, fmt.Errorf("question catalog: schema of %q: %w", spec.Name, err)
			}
			qt.schema = schema
		}
		c.types[catalogKey(spec.Name)] = qt
	}
	return c, nil
}

func catalogKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (c *QuestionCatalog) lookup(questionType string) *questionType {
	if c == nil {
		return nil
	}
	return c.types[catalogKey(questionType)]
}

// IsComposite 题型是否为复合题（如 Matching Heading）
func (c *QuestionCatalog) IsComposite(questionType string) bool {
	qt := c.lookup(questionType)
	return qt != nil && qt.composite
}

func (c *QuestionCatalog) Known(questionType string) bool {
	return c.lookup(questionType) != nil
}

// Validate 校验 question_data，错误写入 verr，字段前缀为 field
func (c *QuestionCatalog) Validate(questionType string, data map[string]interface{}, field string, verr *util.ValidationError) error {
	qt := c.lookup(questionType)
	if qt == nil || qt.schema == nil {
		return nil
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	result, err := qt.schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("validate question_data of %q: %w", questionType, err)
	}
	for _, e := range result.Errors() {
		path := field
		if f := e.Field(); f != "" && f != "(root)" {
			path = field + "." + f
		}
		verr.Add(path, e.Description())
	}
	return nil
}
