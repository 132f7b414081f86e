package service

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"

	"lms_backend/internal/model"
)

// TestPayload 创建/更新试卷的嵌套请求体
type TestPayload struct {
	Type               model.TestModule       `json:"type" binding:"required,oneof=reading listening speaking writing"`
	Difficulty         string                 `json:"difficulty" binding:"required,oneof=beginner intermediate advanced"`
	Title              string                 `json:"title" binding:"required,max=255"`
	Description        *string                `json:"description"`
	TestType           *string                `json:"test_type" binding:"omitempty,max=50"`
	TimerMode          *string                `json:"timer_mode" binding:"omitempty,oneof=countdown countup none"`
	TimerSettings      *TimerSettingsPayload  `json:"timer_settings"`
	AllowRepetition    *bool                  `json:"allow_repetition"`
	MaxRepetitionCount *int                   `json:"max_repetition_count" binding:"omitempty,min=1"`
	IsPublic           *bool                  `json:"is_public"`
	IsPublished        *bool                  `json:"is_published"`
	Settings           map[string]interface{} `json:"settings"`
	Passages           []PassagePayload       `json:"passages" binding:"required,min=1,dive"`
}

type TimerSettingsPayload struct {
	Hours   int `json:"hours" binding:"min=0"`
	Minutes int `json:"minutes" binding:"min=0"`
	Seconds int `json:"seconds" binding:"min=0"`
}

type PassagePayload struct {
	ID             string         `json:"id" binding:"omitempty,max=36"`
	Title          *string        `json:"title" binding:"omitempty,max=255"`
	Description    *string        `json:"description"`
	QuestionGroups []GroupPayload `json:"question_groups" binding:"required,min=1,dive"`
}

type GroupPayload struct {
	ID          string            `json:"id" binding:"omitempty,max=36"`
	Instruction *string           `json:"instruction"`
	Questions   []QuestionPayload `json:"questions" binding:"required,min=1,dive"`
}

// QuestionPayload 题目；question_data 中的 images / remove_images 是控制字段，不会落库
// Options、Items 为 nil 表示请求中未出现该字段
type QuestionPayload struct {
	ID             string                 `json:"id" binding:"omitempty,max=36"`
	QuestionType   string                 `json:"question_type" binding:"required,max=100"`
	QuestionNumber *model.QuestionNumber  `json:"question_number"`
	QuestionText   *string                `json:"question_text"`
	QuestionData   map[string]interface{} `json:"question_data"`
	CorrectAnswers json.RawMessage        `json:"correct_answers"`
	PointsValue    *float64               `json:"points_value" binding:"omitempty,min=0"`
	Options        []OptionPayload        `json:"options" binding:"omitempty,dive"`
	Breakdown      *BreakdownPayload      `json:"breakdown"`
	Items          []ItemPayload          `json:"items" binding:"omitempty,dive"`
	RemoveItems    []string               `json:"remove_items"`
}

// ItemPayload 复合题的子题
type ItemPayload struct {
	ID             string                 `json:"id" binding:"omitempty,max=36"`
	QuestionNumber *model.QuestionNumber  `json:"question_number"`
	QuestionData   map[string]interface{} `json:"question_data"`
	CorrectAnswers json.RawMessage        `json:"correct_answers"`
	Options        []OptionPayload        `json:"options" binding:"omitempty,dive"`
}

type OptionPayload struct {
	ID         string  `json:"id" binding:"omitempty,max=36"`
	OptionKey  string  `json:"option_key" binding:"required,max=50"`
	OptionText *string `json:"option_text"`
}

type BreakdownPayload struct {
	ID           string             `json:"id" binding:"omitempty,max=36"`
	Explanation  *string            `json:"explanation"`
	HasHighlight *bool              `json:"has_highlight"`
	Highlights   []HighlightPayload `json:"highlights" binding:"omitempty,dive"`
}

type HighlightPayload struct {
	ID             string `json:"id" binding:"omitempty,max=36"`
	StartCharIndex int    `json:"start_char_index" binding:"min=0"`
	EndCharIndex   int    `json:"end_char_index" binding:"gtefield=StartCharIndex"`
}

// UploadedFile 上传的二进制附件
type UploadedFile interface {
	Filename() string
	Size() int64
	Open() (io.ReadCloser, error)
}

type multipartFile struct {
	header *multipart.FileHeader
}

func NewMultipartFile(header *multipart.FileHeader) UploadedFile {
	return multipartFile{header: header}
}

func (f multipartFile) Filename() string { return f.header.Filename }
func (f multipartFile) Size() int64      { return f.header.Size }

func (f multipartFile) Open() (io.ReadCloser, error) {
	return f.header.Open()
}

// FileSet 按图片键路径分组的上传文件
type FileSet map[string][]UploadedFile

// ImageKey 题目图片在请求中的键路径
func ImageKey(passage, group, question int) string {
	return fmt.Sprintf("passages.%d.question_groups.%d.questions.%d.question_data.images", passage, group, question)
}

func (f FileSet) Images(passage, group, question int) []UploadedFile {
	if f == nil {
		return nil
	}
	return f[ImageKey(passage, group, question)]
}
