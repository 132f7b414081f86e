package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// TestQuery 列表查询条件
type TestQuery struct {
	Type model.TestModule
}

// GetTest 渲染单个试卷；不可见或模块不符时视为不存在
func (m *TestTreeManager) GetTest(ctx context.Context, id Identity, testID string, module model.TestModule) (view *TestView, err error) {
	ctx, span := startSpan(ctx, "GetTest", attribute.String("test_id", testID))
	defer func() { finishSpan(span, "render", err) }()

	test, err := findTest(ctx, m.store, testID)
	if err != nil {
		return nil, err
	}
	if !id.CanView(test) || (module != "" && test.Type != module) {
		return nil, util.ErrTestNotFound
	}

	audience := id.audience()
	cached, hit, cacheErr := m.cache.Get(ctx, testID, test.Revision, audience)
	switch {
	case cacheErr != nil:
		monitoring.RenderCacheLookups.WithLabelValues("error").Inc()
		logger.Ctx(ctx).Warn("Render cache lookup failed", zap.String("test_id", testID), zap.Error(cacheErr))
	case hit:
		monitoring.RenderCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	default:
		monitoring.RenderCacheLookups.WithLabelValues("miss").Inc()
	}

	tree, err := m.store.LoadTree(ctx, testID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, util.ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load test tree: %w", err)
	}

	views, err := m.renderTests(ctx, []model.Test{*tree}, id.IsStudent())
	if err != nil {
		return nil, err
	}
	view = &views[0]

	// 按加载到的 revision 写入：加载期间提交的变更会让后续读取落到新的 key
	if err := m.cache.Set(ctx, testID, tree.Revision, audience, view); err != nil {
		logger.Ctx(ctx).Warn("Failed to populate render cache", zap.String("test_id", testID), zap.Error(err))
	}
	return view, nil
}

// ListTests 按调用者可见范围列出试卷
func (m *TestTreeManager) ListTests(ctx context.Context, id Identity, query TestQuery) (views []TestView, err error) {
	ctx, span := startSpan(ctx, "ListTests", attribute.String("type", string(query.Type)))
	defer func() { finishSpan(span, "list", err) }()

	filter := repository.TestFilter{Type: query.Type}
	switch {
	case id.IsAdmin():
	case id.IsStudent():
		filter.PublishedOnly = true
	default:
		if id.UserID == "" {
			return []TestView{}, nil
		}
		filter.CreatorID = id.UserID
	}

	tests, err := m.store.ListTrees(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	return m.renderTests(ctx, tests, id.IsStudent())
}

func (m *TestTreeManager) renderTests(ctx context.Context, tests []model.Test, student bool) ([]TestView, error) {
	creatorIDs := make([]string, 0, len(tests))
	for i := range tests {
		creatorIDs = append(creatorIDs, tests[i].CreatorID)
	}
	names, err := m.store.UserNames(ctx, creatorIDs)
	if err != nil {
		return nil, fmt.Errorf("load creator names: %w", err)
	}

	views := make([]TestView, 0, len(tests))
	for i := range tests {
		view, err := m.renderTest(&tests[i], names, student)
		if err != nil {
			return nil, fmt.Errorf("render test %s: %w", tests[i].ID, err)
		}
		views = append(views, *view)
	}
	return views, nil
}

func rawJSON(j datatypes.JSON) json.RawMessage {
	if len(j) == 0 {
		return nil
	}
	return json.RawMessage(j)
}

func (m *TestTreeManager) renderTest(test *model.Test, names map[string]string, student bool) (*TestView, error) {
	view := &TestView{
		ID:                 test.ID,
		CreatorID:          test.CreatorID,
		TestType:           test.TestType,
		Type:               test.Type,
		Difficulty:         test.Difficulty,
		Title:              test.Title,
		Description:        test.Description,
		TimerMode:          test.TimerMode,
		TimerSettings:      rawJSON(test.TimerSettings),
		AllowRepetition:    test.AllowRepetition,
		MaxRepetitionCount: test.MaxRepetitionCount,
		IsPublic:           test.IsPublic,
		IsPublished:        test.IsPublished,
		Settings:           rawJSON(test.Settings),
		CreatedAt:          test.CreatedAt,
		UpdatedAt:          test.UpdatedAt,
		Passages:           make([]PassageView, 0, len(test.Passages)),
	}
	if name, ok := names[test.CreatorID]; ok {
		view.CreatorName = &name
	}

	for _, passage := range test.Passages {
		pv := PassageView{
			PassageID:      passage.ID,
			Title:          passage.Title,
			Description:    passage.Description,
			QuestionGroups: make([]GroupView, 0, len(passage.QuestionGroups)),
		}
		for gi := range passage.QuestionGroups {
			gv, err := m.renderGroup(&passage.QuestionGroups[gi], student)
			if err != nil {
				return nil, err
			}
			pv.QuestionGroups = append(pv.QuestionGroups, gv)
		}
		view.Passages = append(view.Passages, pv)
	}
	return view, nil
}

// mainQuestion 组内第一道没有子题号的题（题号为空也算）；没有时取题号最小的一道
func mainQuestion(questions []model.TestQuestion) *model.TestQuestion {
	for i := range questions {
		if n := questions[i].Number(); n == nil || !n.IsItem() {
			return &questions[i]
		}
	}

	var main *model.TestQuestion
	for i := range questions {
		if main == nil || model.CompareQuestionNumbers(questions[i].Number(), main.Number()) < 0 {
			main = &questions[i]
		}
	}
	return main
}

func (m *TestTreeManager) renderGroup(group *model.QuestionGroup, student bool) (GroupView, error) {
	gv := GroupView{
		GroupID:     group.ID,
		Instruction: group.Instruction,
		Questions:   []QuestionView{},
	}

	main := mainQuestion(group.Questions)
	if main == nil {
		return gv, nil
	}

	if !m.compositeQuestion(main) {
		for i := range group.Questions {
			qv, err := renderQuestion(&group.Questions[i], student)
			if err != nil {
				return gv, err
			}
			gv.Questions = append(gv.Questions, qv)
		}
		return gv, nil
	}

	// 复合题组只输出主题，带子题号的其余题目作为 items
	qv, err := renderQuestion(main, student)
	if err != nil {
		return gv, err
	}
	items := []ItemView{}
	for i := range group.Questions {
		q := &group.Questions[i]
		if q.ID == main.ID {
			continue
		}
		if n := q.Number(); n == nil || !n.IsItem() {
			continue
		}
		item := ItemView{QuestionID: q.ID, QuestionNumber: q.Number()}
		if !student {
			answers, err := q.Answers()
			if err != nil {
				return gv, fmt.Errorf("decode correct_answers of %s: %w", q.ID, err)
			}
			item.CorrectAnswers = Some(unwrapSingle(answers))
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		qv.Items = Null[[]ItemView]()
	} else {
		qv.Items = Some(items)
	}

	gv.Questions = append(gv.Questions, qv)
	return gv, nil
}

func renderQuestion(q *model.TestQuestion, student bool) (QuestionView, error) {
	data, err := q.DataMap()
	if err != nil {
		return QuestionView{}, fmt.Errorf("decode question_data of %s: %w", q.ID, err)
	}

	qv := QuestionView{
		QuestionID:     q.ID,
		QuestionType:   q.QuestionType,
		QuestionNumber: q.Number(),
		QuestionData:   data,
		PointsValue:    q.PointsValue,
		Options:        make([]OptionView, 0, len(q.Options)),
	}
	if q.QuestionText != nil {
		qv.QuestionText = Some(*q.QuestionText)
	} else {
		qv.QuestionText = Null[string]()
	}
	for _, o := range q.Options {
		qv.Options = append(qv.Options, OptionView{OptionID: o.ID, OptionKey: o.OptionKey, OptionText: o.OptionText})
	}

	if student {
		return qv, nil
	}

	answers, err := q.Answers()
	if err != nil {
		return QuestionView{}, fmt.Errorf("decode correct_answers of %s: %w", q.ID, err)
	}
	qv.CorrectAnswers = Some(unwrapSingle(answers))

	if q.Breakdown == nil {
		qv.Breakdown = Null[BreakdownView]()
		return qv, nil
	}
	highlights := make([]interface{}, 0, len(q.Breakdown.Highlights))
	for _, h := range q.Breakdown.Highlights {
		highlights = append(highlights, HighlightView{
			HighlightID:    h.ID,
			StartCharIndex: h.StartCharIndex,
			EndCharIndex:   h.EndCharIndex,
		})
	}
	qv.Breakdown = Some(BreakdownView{
		BreakdownID:  q.Breakdown.ID,
		Explanation:  q.Breakdown.Explanation,
		HasHighlight: q.Breakdown.HasHighlight,
		Highlights:   unwrapSingle(highlights),
	})
	return qv, nil
}
