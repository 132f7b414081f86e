package service

import (
	"context"
	"fmt"

	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CreateTest 按请求体一次性创建整棵题目树，返回新试卷 id
func (m *TestTreeManager) CreateTest(ctx context.Context, id Identity, p *TestPayload, files FileSet) (testID string, err error) {
	ctx, span := startSpan(ctx, "CreateTest", attribute.String("user_id", id.UserID))
	defer func() { finishSpan(span, "create", err) }()

	if !id.CanAuthor() {
		return "", util.ErrPermissionDenied
	}
	if err = m.validatePayload(p); err != nil {
		return "", err
	}

	test, err := newTest(id, p)
	if err != nil {
		return "", err
	}

	err = m.mutate(ctx, "", func(tx repository.TreeStore, att *AttachmentSession) error {
		if err := tx.CreateTest(ctx, test); err != nil {
			return fmt.Errorf("create test: %w", err)
		}
		for pi := range p.Passages {
			if err := m.createPassage(ctx, tx, att, test.ID, pi, &p.Passages[pi], files); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Ctx(ctx).Error("Failed to create test", zap.String("user_id", id.UserID), zap.Error(err))
		return "", err
	}

	logger.Ctx(ctx).Info("Test created", zap.String("test_id", test.ID), zap.Int("passages", len(p.Passages)))
	return test.ID, nil
}

func newTest(id Identity, p *TestPayload) (*model.Test, error) {
	test := &model.Test{
		CreatorID:   id.UserID,
		Type:        p.Type,
		TestType:    model.DefaultTestType,
		TimerMode:   model.DefaultTimerMode,
		IsPublished: true,
	}
	if err := applyTestScalars(test, p); err != nil {
		return nil, err
	}
	return test, nil
}

// applyTestScalars 写入试卷标量字段
// test_type / timer_mode / is_published / settings 未提供时保留原值，其余字段未提供时重置
func applyTestScalars(test *model.Test, p *TestPayload) error {
	test.Difficulty = p.Difficulty
	test.Title = p.Title
	test.Description = p.Description
	test.AllowRepetition = derefBool(p.AllowRepetition)
	test.MaxRepetitionCount = p.MaxRepetitionCount
	test.IsPublic = derefBool(p.IsPublic)

	if p.TestType != nil {
		test.TestType = *p.TestType
	}
	if p.TimerMode != nil {
		test.TimerMode = *p.TimerMode
	}
	if p.IsPublished != nil {
		test.IsPublished = *p.IsPublished
	}

	timer, err := timerSettingsJSON(p.TimerSettings)
	if err != nil {
		return err
	}
	test.TimerSettings = timer

	if p.Settings != nil {
		settings, err := toJSON(p.Settings)
		if err != nil {
			return err
		}
		test.Settings = settings
	}
	return nil
}

func (m *TestTreeManager) createPassage(ctx context.Context, tx repository.TreeStore, att *AttachmentSession, testID string, pi int, pp *PassagePayload, files FileSet) error {
	passage := &model.Passage{
		TestID:      testID,
		Title:       pp.Title,
		Description: pp.Description,
		Position:    pi,
	}
	passage.SetID(pp.ID)
	if err := tx.CreatePassage(ctx, passage); err != nil {
		return fmt.Errorf("create passage %d: %w", pi, err)
	}

	for gi := range pp.QuestionGroups {
		gp := &pp.QuestionGroups[gi]
		group := &model.QuestionGroup{
			PassageID:   passage.ID,
			Instruction: gp.Instruction,
			Position:    gi,
		}
		group.SetID(gp.ID)
		if err := tx.CreateGroup(ctx, group); err != nil {
			return fmt.Errorf("create question group %d.%d: %w", pi, gi, err)
		}

		// 子题与主题同组，组内 position 连续编号
		pos := 0
		for qi := range gp.Questions {
			if err := m.createQuestion(ctx, tx, att, group.ID, &gp.Questions[qi], files.Images(pi, gi, qi), &pos); err != nil {
				return fmt.Errorf("create question %d.%d.%d: %w", pi, gi, qi, err)
			}
		}
	}
	return nil
}

func (m *TestTreeManager) createQuestion(ctx context.Context, tx repository.TreeStore, att *AttachmentSession, groupID string, qp *QuestionPayload, images []UploadedFile, pos *int) error {
	data := questionData(qp.QuestionData)
	if len(images) > 0 {
		paths, err := uploadImages(ctx, att, images)
		if err != nil {
			return err
		}
		data[model.QuestionDataImagePath] = paths
	}

	encoded, err := toJSON(data)
	if err != nil {
		return err
	}
	answers, err := answersOrEmpty(qp.CorrectAnswers)
	if err != nil {
		return err
	}

	question := &model.TestQuestion{
		QuestionGroupID: groupID,
		QuestionType:    qp.QuestionType,
		QuestionText:    qp.QuestionText,
		QuestionData:    encoded,
		CorrectAnswers:  answers,
		PointsValue:     derefFloat(qp.PointsValue),
		IsComposite:     m.compositePayload(qp),
		Position:        *pos,
	}
	question.SetID(qp.ID)
	question.SetNumber(qp.QuestionNumber)
	*pos++

	if err := tx.CreateQuestion(ctx, question); err != nil {
		return err
	}
	if err := createOptions(ctx, tx, question.ID, qp.Options); err != nil {
		return err
	}

	for ii := range qp.Items {
		if err := createItem(ctx, tx, groupID, qp.QuestionType, &qp.Items[ii], pos); err != nil {
			return fmt.Errorf("item %d: %w", ii, err)
		}
	}

	// 复合题的解析挂在主题上
	if qp.Breakdown != nil {
		return createBreakdown(ctx, tx, question.ID, qp.Breakdown)
	}
	return nil
}

func createItem(ctx context.Context, tx repository.TreeStore, groupID, questionType string, ip *ItemPayload, pos *int) error {
	data, err := toJSON(questionData(ip.QuestionData))
	if err != nil {
		return err
	}
	answers, err := answersOrEmpty(ip.CorrectAnswers)
	if err != nil {
		return err
	}

	item := &model.TestQuestion{
		QuestionGroupID: groupID,
		QuestionType:    questionType,
		QuestionData:    data,
		CorrectAnswers:  answers,
		Position:        *pos,
	}
	item.SetID(ip.ID)
	item.SetNumber(ip.QuestionNumber)
	*pos++

	if err := tx.CreateQuestion(ctx, item); err != nil {
		return err
	}
	return createOptions(ctx, tx, item.ID, ip.Options)
}

func createOptions(ctx context.Context, tx repository.TreeStore, questionID string, options []OptionPayload) error {
	for i, op := range options {
		option := &model.QuestionOption{
			QuestionID: questionID,
			OptionKey:  op.OptionKey,
			OptionText: op.OptionText,
			Position:   i,
		}
		option.SetID(op.ID)
		if err := tx.CreateOption(ctx, option); err != nil {
			return fmt.Errorf("create option %s: %w", op.OptionKey, err)
		}
	}
	return nil
}

func createBreakdown(ctx context.Context, tx repository.TreeStore, questionID string, bp *BreakdownPayload) error {
	breakdown := &model.QuestionBreakdown{
		QuestionID:   questionID,
		Explanation:  bp.Explanation,
		HasHighlight: derefBool(bp.HasHighlight),
	}
	breakdown.SetID(bp.ID)
	if err := tx.CreateBreakdown(ctx, breakdown); err != nil {
		return fmt.Errorf("create breakdown: %w", err)
	}

	for i, hp := range bp.Highlights {
		highlight := &model.HighlightSegment{
			BreakdownID:    breakdown.ID,
			StartCharIndex: hp.StartCharIndex,
			EndCharIndex:   hp.EndCharIndex,
			Position:       i,
		}
		highlight.SetID(hp.ID)
		if err := tx.CreateHighlight(ctx, highlight); err != nil {
			return fmt.Errorf("create highlight: %w", err)
		}
	}
	return nil
}
