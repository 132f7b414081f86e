package service

import (
	"bytes"
	"encoding/json"
	"time"

	"lms_backend/internal/model"
)

// Optional 可省略且可为 null 的输出字段
// Set 为 false 时配合 omitzero 省略该键；Set 为 true 且 Value 为 nil 时输出 null
type Optional[T any] struct {
	Set   bool
	Value *T
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: &v}
}

// Null 输出 null
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

func (o Optional[T]) IsZero() bool {
	return !o.Set
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// TestView 试卷的渲染结果
type TestView struct {
	ID                 string           `json:"id"`
	CreatorID          string           `json:"creator_id"`
	CreatorName        *string          `json:"creator_name"`
	TestType           string           `json:"test_type"`
	Type               model.TestModule `json:"type"`
	Difficulty         string           `json:"difficulty"`
	Title              string           `json:"title"`
	Description        *string          `json:"description"`
	TimerMode          string           `json:"timer_mode"`
	TimerSettings      json.RawMessage  `json:"timer_settings"`
	AllowRepetition    bool             `json:"allow_repetition"`
	MaxRepetitionCount *int             `json:"max_repetition_count"`
	IsPublic           bool             `json:"is_public"`
	IsPublished        bool             `json:"is_published"`
	Settings           json.RawMessage  `json:"settings"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Passages           []PassageView    `json:"passages"`
}

type PassageView struct {
	PassageID      string      `json:"passage_id"`
	Title          *string     `json:"title"`
	Description    *string     `json:"description"`
	QuestionGroups []GroupView `json:"question_groups"`
}

type GroupView struct {
	GroupID     string         `json:"group_id"`
	Instruction *string        `json:"instruction"`
	Questions   []QuestionView `json:"questions"`
}

// QuestionView 普通题逐条输出并带 question_text；复合题只输出主题，子题放在 items 中
// 学生视角下 correct_answers 和 breakdown 两个键都不出现
type QuestionView struct {
	QuestionID     string                  `json:"question_id"`
	QuestionType   string                  `json:"question_type"`
	QuestionNumber *model.QuestionNumber   `json:"question_number"`
	QuestionText   Optional[string]        `json:"question_text,omitzero"`
	QuestionData   map[string]interface{}  `json:"question_data"`
	PointsValue    float64                 `json:"points_value"`
	Options        []OptionView            `json:"options"`
	Items          Optional[[]ItemView]    `json:"items,omitzero"`
	CorrectAnswers Optional[interface{}]   `json:"correct_answers,omitzero"`
	Breakdown      Optional[BreakdownView] `json:"breakdown,omitzero"`
}

type ItemView struct {
	QuestionID     string                `json:"question_id"`
	QuestionNumber *model.QuestionNumber `json:"question_number"`
	CorrectAnswers Optional[interface{}] `json:"correct_answers,omitzero"`
}

type OptionView struct {
	OptionID   string  `json:"option_id"`
	OptionKey  string  `json:"option_key"`
	OptionText *string `json:"option_text"`
}

// BreakdownView highlights 只有一条时输出为对象，否则为数组
type BreakdownView struct {
	BreakdownID  string      `json:"breakdown_id"`
	Explanation  *string     `json:"explanation"`
	HasHighlight bool        `json:"has_highlight"`
	Highlights   interface{} `json:"highlights"`
}

type HighlightView struct {
	HighlightID    string `json:"highlight_id"`
	StartCharIndex int    `json:"start_char_index"`
	EndCharIndex   int    `json:"end_char_index"`
}

// unwrapSingle 单元素数组输出为标量，其余保持数组
func unwrapSingle(values []interface{}) interface{} {
	if len(values) == 1 {
		return values[0]
	}
	if values == nil {
		return []interface{}{}
	}
	return values
}
