package model

import (
	"gorm.io/datatypes"
)

type TestModule string

const (
	ModuleReading   TestModule = "reading"
	ModuleListening TestModule = "listening"
	ModuleSpeaking  TestModule = "speaking"
	ModuleWriting   TestModule = "writing"
)

const (
	DefaultTestType  = "single"
	DefaultTimerMode = "none"
)

// TimerSettings 计时设置
type TimerSettings struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// Test 试卷，题目树的根节点
// swagger:model Test
type Test struct {
	NodeBase
	CreatorID          string         `gorm:"type:varchar(36);index;not null" json:"creator_id"`
	Type               TestModule     `gorm:"size:20;index;not null" json:"type"`
	Difficulty         string         `gorm:"size:20;not null" json:"difficulty"`
	Title              string         `gorm:"size:255;not null" json:"title"`
	Description        *string        `gorm:"type:text" json:"description"`
	TestType           string         `gorm:"size:50;not null" json:"test_type"`
	TimerMode          string         `gorm:"size:20;not null" json:"timer_mode"`
	TimerSettings      datatypes.JSON `json:"timer_settings"`
	AllowRepetition    bool           `gorm:"not null" json:"allow_repetition"`
	MaxRepetitionCount *int           `json:"max_repetition_count"`
	IsPublic           bool           `gorm:"not null" json:"is_public"`
	IsPublished        bool           `gorm:"index;not null" json:"is_published"`
	Settings           datatypes.JSON `json:"settings"`
	// Revision 题目树每次变更加一，渲染缓存按它区分版本
	Revision int64 `gorm:"not null;default:0" json:"revision"`

	Passages []Passage `gorm:"foreignKey:TestID" json:"passages,omitempty"`
}

func (Test) TableName() string {
	return "tests"
}

// Passage 阅读篇章
type Passage struct {
	NodeBase
	TestID      string  `gorm:"type:varchar(36);index;not null" json:"test_id"`
	Title       *string `gorm:"size:255" json:"title"`
	Description *string `gorm:"type:text" json:"description"`
	Position    int     `gorm:"not null;default:0" json:"position"`

	QuestionGroups []QuestionGroup `gorm:"foreignKey:PassageID" json:"question_groups,omitempty"`
}

func (Passage) TableName() string {
	return "passages"
}

// QuestionGroup 题组，共享同一段说明
type QuestionGroup struct {
	NodeBase
	PassageID   string  `gorm:"type:varchar(36);index;not null" json:"passage_id"`
	Instruction *string `gorm:"type:text" json:"instruction"`
	Position    int     `gorm:"not null;default:0" json:"position"`

	Questions []TestQuestion `gorm:"foreignKey:QuestionGroupID" json:"questions,omitempty"`
}

func (QuestionGroup) TableName() string {
	return "question_groups"
}

type QuestionOption struct {
	NodeBase
	QuestionID string  `gorm:"type:varchar(36);index;not null" json:"question_id"`
	OptionKey  string  `gorm:"size:50;not null" json:"option_key"`
	OptionText *string `gorm:"type:text" json:"option_text"`
	Position   int     `gorm:"not null;default:0" json:"position"`
}

func (QuestionOption) TableName() string {
	return "question_options"
}

// QuestionBreakdown 题目解析，每道题最多一条
type QuestionBreakdown struct {
	NodeBase
	QuestionID   string  `gorm:"type:varchar(36);uniqueIndex;not null" json:"question_id"`
	Explanation  *string `gorm:"type:text" json:"explanation"`
	HasHighlight bool    `gorm:"not null" json:"has_highlight"`

	Highlights []HighlightSegment `gorm:"foreignKey:BreakdownID" json:"highlights,omitempty"`
}

func (QuestionBreakdown) TableName() string {
	return "question_breakdowns"
}

// HighlightSegment 解析中高亮的字符区间
type HighlightSegment struct {
	NodeBase
	BreakdownID    string `gorm:"type:varchar(36);index;not null" json:"breakdown_id"`
	StartCharIndex int    `gorm:"not null" json:"start_char_index"`
	EndCharIndex   int    `gorm:"not null" json:"end_char_index"`
	Position       int    `gorm:"not null;default:0" json:"position"`
}

func (HighlightSegment) TableName() string {
	return "highlight_segments"
}
