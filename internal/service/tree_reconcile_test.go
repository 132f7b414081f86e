package service

import (
	"context"
	"encoding/json"
	"testing"

	"lms_backend/internal/model"
	"lms_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payloadFromView 把渲染结果还原成带 id 的更新请求体
func payloadFromView(v *TestView) *TestPayload {
	testType, timerMode := v.TestType, v.TimerMode
	allow, public, published := v.AllowRepetition, v.IsPublic, v.IsPublished
	p := &TestPayload{
		Type:               v.Type,
		Difficulty:         v.Difficulty,
		Title:              v.Title,
		Description:        v.Description,
		TestType:           &testType,
		TimerMode:          &timerMode,
		AllowRepetition:    &allow,
		MaxRepetitionCount: v.MaxRepetitionCount,
		IsPublic:           &public,
		IsPublished:        &published,
	}
	if len(v.TimerSettings) > 0 {
		var ts TimerSettingsPayload
		_ = json.Unmarshal(v.TimerSettings, &ts)
		p.TimerSettings = &ts
	}
	if len(v.Settings) > 0 {
		_ = json.Unmarshal(v.Settings, &p.Settings)
	}

	for _, pv := range v.Passages {
		pp := PassagePayload{ID: pv.PassageID, Title: pv.Title, Description: pv.Description}
		for _, gv := range pv.QuestionGroups {
			gp := GroupPayload{ID: gv.GroupID, Instruction: gv.Instruction}
			for _, qv := range gv.Questions {
				gp.Questions = append(gp.Questions, questionPayloadFromView(qv))
			}
			pp.QuestionGroups = append(pp.QuestionGroups, gp)
		}
		p.Passages = append(p.Passages, pp)
	}
	return p
}

func questionPayloadFromView(qv QuestionView) QuestionPayload {
	points := qv.PointsValue
	qp := QuestionPayload{
		ID:             qv.QuestionID,
		QuestionType:   qv.QuestionType,
		QuestionNumber: qv.QuestionNumber,
		QuestionText:   qv.QuestionText.Value,
		QuestionData:   qv.QuestionData,
		CorrectAnswers: answersRaw(qv.CorrectAnswers),
		PointsValue:    &points,
		Options:        []OptionPayload{},
	}
	for _, o := range qv.Options {
		qp.Options = append(qp.Options, OptionPayload{ID: o.OptionID, OptionKey: o.OptionKey, OptionText: o.OptionText})
	}
	if qv.Items.Value != nil {
		qp.Items = []ItemPayload{}
		for _, item := range *qv.Items.Value {
			qp.Items = append(qp.Items, ItemPayload{
				ID:             item.QuestionID,
				QuestionNumber: item.QuestionNumber,
				CorrectAnswers: answersRaw(item.CorrectAnswers),
			})
		}
	}
	if b := qv.Breakdown.Value; b != nil {
		hasHighlight := b.HasHighlight
		bp := &BreakdownPayload{ID: b.BreakdownID, Explanation: b.Explanation, HasHighlight: &hasHighlight, Highlights: []HighlightPayload{}}
		var highlights []interface{}
		switch h := b.Highlights.(type) {
		case HighlightView:
			highlights = []interface{}{h}
		case []interface{}:
			highlights = h
		}
		for _, h := range highlights {
			hv := h.(HighlightView)
			bp.Highlights = append(bp.Highlights, HighlightPayload{ID: hv.HighlightID, StartCharIndex: hv.StartCharIndex, EndCharIndex: hv.EndCharIndex})
		}
		qp.Breakdown = bp
	}
	return qp
}

func answersRaw(o Optional[interface{}]) json.RawMessage {
	if o.Value == nil {
		return nil
	}
	b, _ := json.Marshal(*o.Value)
	return b
}

func passagesJSON(t *testing.T, v *TestView) string {
	t.Helper()
	b, err := json.Marshal(v.Passages)
	require.NoError(t, err)
	return string(b)
}

// storedQuestion 题目行中渲染结果不一定体现的字段
type storedQuestion struct {
	Text    *string
	Data    string
	Answers string
	Number  string
	Group   string
}

func storedQuestions(t *testing.T, f *fixture, testID string) map[string]storedQuestion {
	t.Helper()
	tree, err := f.store.LoadTree(context.Background(), testID)
	require.NoError(t, err)

	rows := map[string]storedQuestion{}
	for _, p := range tree.Passages {
		for _, g := range p.QuestionGroups {
			for _, q := range g.Questions {
				row := storedQuestion{Text: q.QuestionText, Data: string(q.QuestionData), Answers: string(q.CorrectAnswers), Group: g.ID}
				if n := q.Number(); n != nil {
					row.Number = n.String()
				}
				rows[q.ID] = row
			}
		}
	}
	return rows
}

func TestUpdateWithOwnRenderIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	before := f.render(t, teacher, testID)
	counts := f.store.Counts()
	rowsBefore := storedQuestions(t, f, testID)

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, payloadFromView(before), nil))

	after := f.render(t, teacher, testID)
	assert.Equal(t, counts, f.store.Counts())
	assert.Equal(t, rowsBefore, storedQuestions(t, f, testID))
	assert.JSONEq(t, passagesJSON(t, before), passagesJSON(t, after))
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, before.TestType, after.TestType)
	assert.JSONEq(t, string(before.TimerSettings), string(after.TimerSettings))
	assert.JSONEq(t, string(before.Settings), string(after.Settings))
	assert.Equal(t, before.MaxRepetitionCount, after.MaxRepetitionCount)
}

func TestUpdateKeepsCompositeTextAndItemData(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, payloadFromView(f.render(t, teacher, testID)), nil))

	main := f.render(t, teacher, testID).Passages[0].QuestionGroups[1].Questions[0]
	assert.Equal(t, "Match each paragraph with a heading", *main.QuestionText.Value)

	items := *main.Items.Value
	item, err := f.store.FindQuestion(context.Background(), items[0].QuestionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"paragraph":"A"}`, string(item.QuestionData))

	p := payloadFromView(f.render(t, teacher, testID))
	compositeGroupPayload(p).Items[0].QuestionData = map[string]interface{}{"paragraph": "B"}
	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	item, err = f.store.FindQuestion(context.Background(), items[0].QuestionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"paragraph":"B"}`, string(item.QuestionData))
}

func TestUpdateDeletesOmittedPassage(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	files := FileSet{ImageKey(1, 0, 0): {pngFile("bees.png")}}
	testID := f.create(t, readingTestBody, files)

	view := f.render(t, teacher, testID)
	image := model.ImagePathsOf(view.Passages[1].QuestionGroups[0].Questions[0].QuestionData)[0]
	require.True(t, f.fileExists(image))

	p := payloadFromView(view)
	p.Passages = p.Passages[:1]
	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	counts := f.store.Counts()
	assert.Equal(t, 1, counts["passages"])
	assert.Equal(t, 2, counts["question_groups"])
	assert.Equal(t, 5, counts["test_questions"])
	assert.False(t, f.fileExists(image))

	after := f.render(t, teacher, testID)
	require.Len(t, after.Passages, 1)
	assert.Equal(t, view.Passages[0].PassageID, after.Passages[0].PassageID)
}

func TestUpdateDeletesOmittedNodesAtEveryLevel(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	flat := &p.Passages[0].QuestionGroups[0]
	flat.Questions = flat.Questions[:1]
	flat.Questions[0].Options = flat.Questions[0].Options[:1]
	flat.Questions[0].Breakdown.Highlights = []HighlightPayload{}
	p.Passages[0].QuestionGroups = p.Passages[0].QuestionGroups[:1]

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	counts := f.store.Counts()
	assert.Equal(t, 2, counts["question_groups"])
	assert.Equal(t, 2, counts["test_questions"])
	assert.Equal(t, 1, counts["question_options"])
	assert.Equal(t, 1, counts["question_breakdowns"])
	assert.Zero(t, counts["highlight_segments"])

	q := f.render(t, teacher, testID).Passages[0].QuestionGroups[0].Questions[0]
	assert.Equal(t, []interface{}{}, q.Breakdown.Value.Highlights)
}

func TestUpdateCreatesNodesWithoutIDs(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	text := "New passage"
	p.Passages = append(p.Passages, PassagePayload{
		Title: &text,
		QuestionGroups: []GroupPayload{{
			Questions: []QuestionPayload{{
				ID:             "client-chosen-id",
				QuestionType:   "Short Answer",
				QuestionNumber: &model.QuestionNumber{Major: 5},
				CorrectAnswers: json.RawMessage(`"river"`),
				Breakdown:      &BreakdownPayload{Highlights: []HighlightPayload{{StartCharIndex: 1, EndCharIndex: 2}, {StartCharIndex: 5, EndCharIndex: 9}}},
			}},
		}},
	})

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	view := f.render(t, teacher, testID)
	require.Len(t, view.Passages, 3)
	q := view.Passages[2].QuestionGroups[0].Questions[0]
	assert.Equal(t, "client-chosen-id", q.QuestionID)
	assert.Equal(t, "river", *q.CorrectAnswers.Value)
	highlights, ok := q.Breakdown.Value.Highlights.([]interface{})
	require.True(t, ok)
	assert.Len(t, highlights, 2)
}

func TestUpdateScalarRules(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	p.Type = model.ModuleWriting
	p.Title = "Renamed"
	p.Description = nil
	p.TestType = nil
	p.TimerMode = nil
	p.TimerSettings = nil
	p.AllowRepetition = nil
	p.MaxRepetitionCount = nil
	p.IsPublic = nil
	p.IsPublished = nil
	p.Settings = nil

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	view := f.render(t, teacher, testID)
	assert.Equal(t, "Renamed", view.Title)
	assert.Equal(t, model.ModuleReading, view.Type)
	assert.Equal(t, model.DefaultTestType, view.TestType)
	assert.Equal(t, "countdown", view.TimerMode)
	assert.True(t, view.IsPublished)
	assert.JSONEq(t, `{"shuffle":false}`, string(view.Settings))
	assert.Nil(t, view.Description)
	assert.Nil(t, view.TimerSettings)
	assert.Nil(t, view.MaxRepetitionCount)
	assert.False(t, view.AllowRepetition)
	assert.False(t, view.IsPublic)
}

func TestUpdateQuestionFieldRules(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	q := &p.Passages[0].QuestionGroups[0].Questions[1]
	q.CorrectAnswers = nil
	q.Options = nil
	q.QuestionText = nil
	q.QuestionNumber = nil
	q.PointsValue = nil

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	rendered := f.render(t, teacher, testID).Passages[0].QuestionGroups[0].Questions[1]
	assert.Equal(t, []interface{}{"B", "C"}, *rendered.CorrectAnswers.Value)
	assert.Len(t, rendered.Options, 3)
	assert.Nil(t, rendered.QuestionText.Value)
	assert.Nil(t, rendered.QuestionNumber)
	assert.Zero(t, rendered.PointsValue)
}

func TestUpdateImageRemoval(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, FileSet{ImageKey(1, 0, 0): {pngFile("a.png")}})

	p := payloadFromView(f.render(t, teacher, testID))
	q := &p.Passages[1].QuestionGroups[0].Questions[0]
	old := model.ImagePathsOf(q.QuestionData)[0]
	q.QuestionData[model.QuestionDataRemoveImages] = []interface{}{old, "/storage/question_images/not-mine.png"}

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	data := f.render(t, teacher, testID).Passages[1].QuestionGroups[0].Questions[0].QuestionData
	assert.Equal(t, []interface{}{}, data[model.QuestionDataImagePath])
	assert.NotContains(t, data, model.QuestionDataRemoveImages)
	assert.False(t, f.fileExists(old))
}

func TestUpdateImageReplacement(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, FileSet{ImageKey(1, 0, 0): {pngFile("a.png")}})

	p := payloadFromView(f.render(t, teacher, testID))
	old := model.ImagePathsOf(p.Passages[1].QuestionGroups[0].Questions[0].QuestionData)[0]

	files := FileSet{ImageKey(1, 0, 0): {pngFile("b.png")}}
	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, files))

	paths := model.ImagePathsOf(f.render(t, teacher, testID).Passages[1].QuestionGroups[0].Questions[0].QuestionData)
	require.Len(t, paths, 1)
	assert.NotEqual(t, old, paths[0])
	assert.True(t, f.fileExists(paths[0]))
	assert.False(t, f.fileExists(old))
	assert.Len(t, f.storedFiles(t), 1)
}

func TestUpdateKeepsImagesWhenUntouched(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, FileSet{ImageKey(1, 0, 0): {pngFile("a.png")}})

	p := payloadFromView(f.render(t, teacher, testID))
	q := &p.Passages[1].QuestionGroups[0].Questions[0]
	old := model.ImagePathsOf(q.QuestionData)
	// 请求中伪造的 image_path 不会生效
	q.QuestionData[model.QuestionDataImagePath] = []interface{}{"/storage/elsewhere.png"}

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))

	data := f.render(t, teacher, testID).Passages[1].QuestionGroups[0].Questions[0].QuestionData
	assert.Equal(t, old, model.ImagePathsOf(data))
}

func compositeGroupPayload(p *TestPayload) *QuestionPayload {
	return &p.Passages[0].QuestionGroups[1].Questions[0]
}

func TestUpdateExplicitItemRemoval(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	main := compositeGroupPayload(p)
	dropped := main.Items[1].ID
	main.Items = main.Items[:1]

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))
	items := *f.render(t, teacher, testID).Passages[0].QuestionGroups[1].Questions[0].Items.Value
	assert.Len(t, items, 2, "omitted items survive under the explicit strategy")

	main.RemoveItems = []string{dropped}
	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))
	items = *f.render(t, teacher, testID).Passages[0].QuestionGroups[1].Questions[0].Items.Value
	require.Len(t, items, 1)
	assert.Equal(t, "3.1", items[0].QuestionNumber.String())
}

func TestUpdateRemoveItemsScopedToGroup(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	foreign := p.Passages[1].QuestionGroups[0].Questions[0].ID
	compositeGroupPayload(p).RemoveItems = []string{foreign}

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))
	assert.Equal(t, 6, f.store.Counts()["test_questions"])
}

func TestUpdateOmissionItemRemoval(t *testing.T) {
	f := newFixture(t, TreeOptions{ItemRemoval: ItemRemovalOmission, StageAttachments: true})
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	main := compositeGroupPayload(p)
	main.Items = main.Items[:1]

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))
	items := *f.render(t, teacher, testID).Passages[0].QuestionGroups[1].Questions[0].Items.Value
	require.Len(t, items, 1)
	assert.Equal(t, 5, f.store.Counts()["test_questions"])
}

func TestUpdateAddsItems(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)

	p := payloadFromView(f.render(t, teacher, testID))
	main := compositeGroupPayload(p)
	minor := 3
	main.Items = append(main.Items, ItemPayload{
		QuestionNumber: &model.QuestionNumber{Major: 3, Minor: &minor},
		CorrectAnswers: json.RawMessage(`["ii"]`),
	})

	require.NoError(t, f.m.UpdateTest(context.Background(), teacher, testID, model.ModuleReading, p, nil))
	items := *f.render(t, teacher, testID).Passages[0].QuestionGroups[1].Questions[0].Items.Value
	require.Len(t, items, 3)
	assert.Equal(t, "3.3", items[2].QuestionNumber.String())
}

func TestUpdatePermissionAndNotFound(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	testID := f.create(t, readingTestBody, nil)
	p := payloadFromView(f.render(t, teacher, testID))
	p.Title = "Hijacked"

	err := f.m.UpdateTest(context.Background(), otherTeacher, testID, model.ModuleReading, p, nil)
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	err = f.m.UpdateTest(context.Background(), student, testID, model.ModuleReading, p, nil)
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	err = f.m.UpdateTest(context.Background(), teacher, "missing", model.ModuleReading, p, nil)
	assert.ErrorIs(t, err, util.ErrTestNotFound)

	assert.Equal(t, "Cambridge 18 Test 1", f.render(t, teacher, testID).Title)

	require.NoError(t, f.m.UpdateTest(context.Background(), admin, testID, model.ModuleReading, p, nil))
	assert.Equal(t, "Hijacked", f.render(t, teacher, testID).Title)
}

func TestUpdateRejectsNodesOfAnotherTest(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	first := f.create(t, readingTestBody, nil)
	second := f.create(t, readingTestBody, nil)

	foreignPassage := f.render(t, teacher, second).Passages[0].PassageID
	p := payloadFromView(f.render(t, teacher, first))
	p.Title = "Changed"
	p.Passages[1].ID = foreignPassage
	counts := f.store.Counts()

	err := f.m.UpdateTest(context.Background(), teacher, first, model.ModuleReading, p, nil)
	assert.ErrorIs(t, err, util.ErrNodeOutOfScope)
	assert.Equal(t, counts, f.store.Counts())
	assert.Equal(t, "Cambridge 18 Test 1", f.render(t, teacher, first).Title)
}

func TestUpsertByOptionalID(t *testing.T) {
	f := newFixture(t, DefaultTreeOptions())
	ctx := context.Background()
	testID := f.create(t, readingTestBody, nil)
	r := &reconciler{m: f.m, tx: f.store}

	passage, created, err := upsertByOptionalID(ctx, r.passages(), "", testID, func(n *model.Passage) error {
		n.TestID = testID
		return nil
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, passage.ID)

	again, created, err := upsertByOptionalID(ctx, r.passages(), passage.ID, testID, func(n *model.Passage) error {
		n.Position = 9
		return nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, passage.ID, again.ID)

	stored, err := f.store.FindPassage(ctx, passage.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stored.Position)

	withID, created, err := upsertByOptionalID(ctx, r.passages(), "restored-id", testID, func(n *model.Passage) error {
		n.TestID = testID
		return nil
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "restored-id", withID.ID)

	_, _, err = upsertByOptionalID(ctx, r.passages(), passage.ID, "another-test", func(n *model.Passage) error { return nil })
	assert.ErrorIs(t, err, util.ErrNodeOutOfScope)
}
