package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"lms_backend/internal/model"
	"lms_backend/internal/util"

	"gorm.io/datatypes"
)

var emptyAnswers = datatypes.JSON("[]")

// questionData 复制 question_data 并去掉控制键；image_path 由服务端维护，请求中的值一律忽略
func questionData(raw map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch k {
		case model.QuestionDataImages, model.QuestionDataRemoveImages, model.QuestionDataImagePath:
			continue
		}
		data[k] = v
	}
	return data
}

// removeImages 读取 question_data.remove_images，非字符串元素返回 ok=false
func removeImages(raw map[string]interface{}) (paths []string, ok bool) {
	v, present := raw[model.QuestionDataRemoveImages]
	if !present || v == nil {
		return nil, true
	}
	switch list := v.(type) {
	case string:
		return []string{list}, true
	case []interface{}:
		for _, item := range list {
			s, isString := item.(string)
			if !isString {
				return nil, false
			}
			paths = append(paths, s)
		}
		return paths, true
	case []string:
		return list, true
	}
	return nil, false
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// normalizeAnswers 未提供或为 null 时 present=false；标量包装成单元素数组
func normalizeAnswers(raw json.RawMessage) (answers datatypes.JSON, present bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}

	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false, fmt.Errorf("decode correct_answers: %w", err)
	}
	list, ok := v.([]interface{})
	if !ok {
		list = []interface{}{v}
	}
	answers, err = toJSON(list)
	return answers, true, err
}

func answersOrEmpty(raw json.RawMessage) (datatypes.JSON, error) {
	answers, present, err := normalizeAnswers(raw)
	if err != nil || !present {
		return emptyAnswers, err
	}
	return answers, nil
}

func uploadImages(ctx context.Context, att *AttachmentSession, files []UploadedFile) ([]string, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		p, err := att.Upload(ctx, f, util.QuestionImageFolder)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Filename(), err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func timerSettingsJSON(p *TimerSettingsPayload) (datatypes.JSON, error) {
	if p == nil {
		return nil, nil
	}
	return toJSON(model.TimerSettings{Hours: p.Hours, Minutes: p.Minutes, Seconds: p.Seconds})
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefBool(v *bool) bool {
	return v != nil && *v
}

// compositeType 题型在题型目录中被标记为复合题
func (m *TestTreeManager) compositeType(questionType string) bool {
	return m.catalog != nil && m.catalog.IsComposite(questionType)
}

func (m *TestTreeManager) compositePayload(qp *QuestionPayload) bool {
	return len(qp.Items) > 0 || m.compositeType(qp.QuestionType)
}

// compositeQuestion 已落库的题目是否为复合题主题
func (m *TestTreeManager) compositeQuestion(q *model.TestQuestion) bool {
	return q.IsComposite || m.compositeType(q.QuestionType)
}

// validatePayload 在进入事务之前校验 question_data
func (m *TestTreeManager) validatePayload(p *TestPayload) error {
	verr := util.NewValidationError()
	for pi := range p.Passages {
		for gi := range p.Passages[pi].QuestionGroups {
			for qi, qp := range p.Passages[pi].QuestionGroups[gi].Questions {
				field := fmt.Sprintf("passages[%d].question_groups[%d].questions[%d]", pi, gi, qi)
				if err := m.validateQuestionData(qp.QuestionType, qp.QuestionData, field+".question_data", verr); err != nil {
					return err
				}
				for ii, ip := range qp.Items {
					itemField := fmt.Sprintf("%s.items[%d].question_data", field, ii)
					if err := m.validateQuestionData(qp.QuestionType, ip.QuestionData, itemField, verr); err != nil {
						return err
					}
				}
			}
		}
	}
	return verr.OrNil()
}

func (m *TestTreeManager) validateQuestionData(questionType string, raw map[string]interface{}, field string, verr *util.ValidationError) error {
	if _, ok := removeImages(raw); !ok {
		verr.Add(field+"."+model.QuestionDataRemoveImages, "must be a list of image paths")
	}
	if m.catalog == nil {
		return nil
	}
	return m.catalog.Validate(questionType, questionData(raw), field, verr)
}
