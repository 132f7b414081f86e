package model

import (
	"encoding/json"

	"gorm.io/datatypes"
)

const (
	QuestionDataImagePath    = "image_path"
	QuestionDataImages       = "images"
	QuestionDataRemoveImages = "remove_images"
)

// TestQuestion 题目；复合题由一条主题和若干子题组成，子题与主题同组
type TestQuestion struct {
	NodeBase
	QuestionGroupID string         `gorm:"type:varchar(36);index;not null" json:"question_group_id"`
	QuestionType    string         `gorm:"size:100;not null" json:"question_type"`
	QuestionMajor   *int           `gorm:"column:question_major" json:"-"`
	QuestionMinor   *int           `gorm:"column:question_minor" json:"-"`
	QuestionText    *string        `gorm:"type:text" json:"question_text"`
	QuestionData    datatypes.JSON `json:"question_data"`
	CorrectAnswers  datatypes.JSON `json:"correct_answers"`
	PointsValue     float64        `gorm:"not null;default:0" json:"points_value"`
	IsComposite     bool           `gorm:"not null;default:false" json:"is_composite"`
	Position        int            `gorm:"not null;default:0" json:"position"`

	Options   []QuestionOption   `gorm:"foreignKey:QuestionID" json:"options,omitempty"`
	Breakdown *QuestionBreakdown `gorm:"foreignKey:QuestionID" json:"breakdown,omitempty"`
}

func (TestQuestion) TableName() string {
	return "test_questions"
}

// Number 返回结构化题号，未设置时为 nil
func (q *TestQuestion) Number() *QuestionNumber {
	if q.QuestionMajor == nil {
		return nil
	}
	n := QuestionNumber{Major: *q.QuestionMajor}
	if q.QuestionMinor != nil {
		minor := *q.QuestionMinor
		n.Minor = &minor
	}
	return &n
}

func (q *TestQuestion) SetNumber(n *QuestionNumber) {
	if n == nil {
		q.QuestionMajor, q.QuestionMinor = nil, nil
		return
	}
	major := n.Major
	q.QuestionMajor = &major
	q.QuestionMinor = nil
	if n.Minor != nil {
		minor := *n.Minor
		q.QuestionMinor = &minor
	}
}

// DataMap 解码 question_data，空值返回空 map
func (q *TestQuestion) DataMap() (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if len(q.QuestionData) == 0 || string(q.QuestionData) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(q.QuestionData, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return data, nil
}

// Answers 解码 correct_answers，非数组的历史数据包装成单元素数组
func (q *TestQuestion) Answers() ([]interface{}, error) {
	if len(q.CorrectAnswers) == 0 || string(q.CorrectAnswers) == "null" {
		return []interface{}{}, nil
	}
	var raw interface{}
	if err := json.Unmarshal(q.CorrectAnswers, &raw); err != nil {
		return nil, err
	}
	if list, ok := raw.([]interface{}); ok {
		return list, nil
	}
	return []interface{}{raw}, nil
}

// ImagePaths 读取 question_data.image_path，兼容字符串和数组两种形式
func (q *TestQuestion) ImagePaths() []string {
	data, err := q.DataMap()
	if err != nil {
		return nil
	}
	return ImagePathsOf(data)
}

func ImagePathsOf(data map[string]interface{}) []string {
	switch v := data[QuestionDataImagePath].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		paths := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				paths = append(paths, s)
			}
		}
		return paths
	case []string:
		return v
	}
	return nil
}
