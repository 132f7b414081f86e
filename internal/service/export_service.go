package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lms_backend/internal/model"
	"lms_backend/internal/util"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Questions"

var exportHeader = []interface{}{
	"Passage", "Instruction", "Number", "Type", "Question", "Options", "Correct Answers", "Points",
}

// ExportTest 把试卷导出为 xlsx，每道题或子题一行，仅教师和管理员可用
func (m *TestTreeManager) ExportTest(ctx context.Context, id Identity, testID string, module model.TestModule) (*excelize.File, error) {
	if id.IsStudent() {
		return nil, util.ErrPermissionDenied
	}
	view, err := m.GetTest(ctx, id, testID, module)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeExport(f, view); err != nil {
		f.Close()
		return nil, fmt.Errorf("write export: %w", err)
	}
	return f, nil
}

func writeExport(f *excelize.File, view *TestView) error {
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(exportSheet, "A1", "H1", style); err != nil {
		return err
	}
	if err := f.SetColWidth(exportSheet, "A", "H", 22); err != nil {
		return err
	}

	row := 2
	write := func(values []interface{}) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return f.SetSheetRow(exportSheet, cell, &values)
	}

	for pi, passage := range view.Passages {
		title := fmt.Sprintf("Passage %d", pi+1)
		if passage.Title != nil && *passage.Title != "" {
			title = *passage.Title
		}
		for _, group := range passage.QuestionGroups {
			for _, q := range group.Questions {
				if err := write([]interface{}{
					title,
					stringOrEmpty(group.Instruction),
					numberString(q.QuestionNumber),
					q.QuestionType,
					optionalString(q.QuestionText),
					optionsString(q.Options),
					answersString(q.CorrectAnswers),
					q.PointsValue,
				}); err != nil {
					return err
				}
				if q.Items.Value == nil {
					continue
				}
				for _, item := range *q.Items.Value {
					if err := write([]interface{}{
						title,
						stringOrEmpty(group.Instruction),
						numberString(item.QuestionNumber),
						q.QuestionType,
						"",
						"",
						answersString(item.CorrectAnswers),
						0,
					}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(o Optional[string]) string {
	return stringOrEmpty(o.Value)
}

func numberString(n *model.QuestionNumber) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func optionsString(options []OptionView) string {
	parts := make([]string, 0, len(options))
	for _, o := range options {
		parts = append(parts, fmt.Sprintf("%s. %s", o.OptionKey, stringOrEmpty(o.OptionText)))
	}
	return strings.Join(parts, "\n")
}

func answersString(o Optional[interface{}]) string {
	if o.Value == nil {
		return ""
	}
	switch v := (*o.Value).(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, a := range v {
			parts = append(parts, fmt.Sprint(a))
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
