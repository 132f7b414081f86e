package service

import (
	"context"
	"errors"
	"fmt"

	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// UpdateTest 将已有试卷与请求体对账：按 id 更新或创建节点，删除请求中未出现的节点
func (m *TestTreeManager) UpdateTest(ctx context.Context, id Identity, testID string, module model.TestModule, p *TestPayload, files FileSet) (err error) {
	ctx, span := startSpan(ctx, "UpdateTest", attribute.String("test_id", testID))
	defer func() { finishSpan(span, "update", err) }()

	test, err := m.authorizeTest(ctx, id, testID, module)
	if err != nil {
		return err
	}
	if err = m.validatePayload(p); err != nil {
		return err
	}

	opts := m.options()
	err = m.mutate(ctx, testID, func(tx repository.TreeStore, att *AttachmentSession) error {
		r := &reconciler{m: m, tx: tx, att: att, files: files, itemRemoval: opts.ItemRemoval}
		return r.reconcileTest(ctx, test, p)
	})
	if err != nil {
		logger.Ctx(ctx).Error("Failed to update test", zap.String("test_id", testID), zap.Error(err))
		return err
	}

	logger.Ctx(ctx).Info("Test updated", zap.String("test_id", testID))
	return nil
}

// nodeStore 某一层级节点的存取函数
type nodeStore[T any] struct {
	find   func(ctx context.Context, id string) (*T, error)
	create func(ctx context.Context, node *T) error
	update func(ctx context.Context, node *T) error
	parent func(node *T) string
}

// upsertByOptionalID 有 id 且存在时原地更新，有 id 但不存在时以该 id 创建，没有 id 时生成新 id 创建。
// 已存在的节点必须属于 parentID，不支持跨父节点移动。
func upsertByOptionalID[T any, P interface {
	*T
	SetID(string)
}](ctx context.Context, s nodeStore[T], id, parentID string, apply func(node *T) error) (node *T, created bool, err error) {
	if id != "" {
		existing, err := s.find(ctx, id)
		switch {
		case err == nil:
			if s.parent(existing) != parentID {
				return nil, false, fmt.Errorf("%w: %s", util.ErrNodeOutOfScope, id)
			}
			if err := apply(existing); err != nil {
				return nil, false, err
			}
			if err := s.update(ctx, existing); err != nil {
				return nil, false, err
			}
			return existing, false, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, false, err
		}
	}

	node = new(T)
	P(node).SetID(id)
	if err := apply(node); err != nil {
		return nil, false, err
	}
	if err := s.create(ctx, node); err != nil {
		return nil, false, err
	}
	return node, true, nil
}

type reconciler struct {
	m           *TestTreeManager
	tx          repository.TreeStore
	att         *AttachmentSession
	files       FileSet
	itemRemoval ItemRemovalStrategy
}

func (r *reconciler) passages() nodeStore[model.Passage] {
	return nodeStore[model.Passage]{
		find:   r.tx.FindPassage,
		create: r.tx.CreatePassage,
		update: r.tx.UpdatePassage,
		parent: func(p *model.Passage) string { return p.TestID },
	}
}

func (r *reconciler) groups() nodeStore[model.QuestionGroup] {
	return nodeStore[model.QuestionGroup]{
		find:   r.tx.FindGroup,
		create: r.tx.CreateGroup,
		update: r.tx.UpdateGroup,
		parent: func(g *model.QuestionGroup) string { return g.PassageID },
	}
}

func (r *reconciler) questions() nodeStore[model.TestQuestion] {
	return nodeStore[model.TestQuestion]{
		find:   r.tx.FindQuestion,
		create: r.tx.CreateQuestion,
		update: r.tx.UpdateQuestion,
		parent: func(q *model.TestQuestion) string { return q.QuestionGroupID },
	}
}

func (r *reconciler) options() nodeStore[model.QuestionOption] {
	return nodeStore[model.QuestionOption]{
		find:   r.tx.FindOption,
		create: r.tx.CreateOption,
		update: r.tx.UpdateOption,
		parent: func(o *model.QuestionOption) string { return o.QuestionID },
	}
}

func (r *reconciler) highlights() nodeStore[model.HighlightSegment] {
	return nodeStore[model.HighlightSegment]{
		find:   r.tx.FindHighlight,
		create: r.tx.CreateHighlight,
		update: r.tx.UpdateHighlight,
		parent: func(h *model.HighlightSegment) string { return h.BreakdownID },
	}
}

// release 释放被删除题目的图片
func (r *reconciler) release(ctx context.Context, removed []model.TestQuestion, err error) error {
	if err != nil {
		return err
	}
	return releaseImages(ctx, r.att, removed)
}

func (r *reconciler) reconcileTest(ctx context.Context, test *model.Test, p *TestPayload) error {
	if err := applyTestScalars(test, p); err != nil {
		return err
	}
	if err := r.tx.UpdateTest(ctx, test); err != nil {
		return fmt.Errorf("update test: %w", err)
	}

	seen := make([]string, 0, len(p.Passages))
	for pi := range p.Passages {
		pp := &p.Passages[pi]
		passage, _, err := upsertByOptionalID(ctx, r.passages(), pp.ID, test.ID, func(n *model.Passage) error {
			n.TestID = test.ID
			n.Title = pp.Title
			n.Description = pp.Description
			n.Position = pi
			return nil
		})
		if err != nil {
			return fmt.Errorf("upsert passage %d: %w", pi, err)
		}
		seen = append(seen, passage.ID)

		if err := r.reconcileGroups(ctx, passage, pp, pi); err != nil {
			return err
		}
	}

	removed, err := r.tx.DeletePassagesExcept(ctx, test.ID, seen)
	return r.release(ctx, removed, err)
}

func (r *reconciler) reconcileGroups(ctx context.Context, passage *model.Passage, pp *PassagePayload, pi int) error {
	seen := make([]string, 0, len(pp.QuestionGroups))
	for gi := range pp.QuestionGroups {
		gp := &pp.QuestionGroups[gi]
		group, _, err := upsertByOptionalID(ctx, r.groups(), gp.ID, passage.ID, func(n *model.QuestionGroup) error {
			n.PassageID = passage.ID
			n.Instruction = gp.Instruction
			n.Position = gi
			return nil
		})
		if err != nil {
			return fmt.Errorf("upsert question group %d.%d: %w", pi, gi, err)
		}
		seen = append(seen, group.ID)

		if err := r.reconcileQuestions(ctx, group, gp, pi, gi); err != nil {
			return err
		}
	}

	removed, err := r.tx.DeleteGroupsExcept(ctx, passage.ID, seen)
	return r.release(ctx, removed, err)
}

func (r *reconciler) reconcileQuestions(ctx context.Context, group *model.QuestionGroup, gp *GroupPayload, pi, gi int) error {
	existing, err := r.tx.ListQuestions(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	composite := false
	for i := range existing {
		if r.m.compositeQuestion(&existing[i]) {
			composite = true
		}
	}

	seen := make([]string, 0, len(gp.Questions))
	pos := 0
	for qi := range gp.Questions {
		qp := &gp.Questions[qi]
		if r.m.compositePayload(qp) {
			composite = true
		}

		ids, err := r.reconcileQuestion(ctx, group.ID, qp, r.files.Images(pi, gi, qi), &pos)
		if err != nil {
			return fmt.Errorf("reconcile question %d.%d.%d: %w", pi, gi, qi, err)
		}
		seen = append(seen, ids...)
	}

	// explicit 策略下复合题组的子题只能通过 remove_items 删除
	if composite && r.itemRemoval == ItemRemovalExplicit {
		return nil
	}
	removed, err := r.tx.DeleteQuestionsExcept(ctx, group.ID, seen)
	return r.release(ctx, removed, err)
}

// reconcileQuestion 返回主题及其子题的 id
func (r *reconciler) reconcileQuestion(ctx context.Context, groupID string, qp *QuestionPayload, images []UploadedFile, pos *int) ([]string, error) {
	question, _, err := upsertByOptionalID(ctx, r.questions(), qp.ID, groupID, func(n *model.TestQuestion) error {
		return r.applyQuestion(ctx, n, groupID, qp, images, *pos)
	})
	if err != nil {
		return nil, err
	}
	*pos++
	ids := []string{question.ID}

	if qp.Options != nil {
		if err := r.reconcileOptions(ctx, question.ID, qp.Options); err != nil {
			return nil, err
		}
	}

	if qp.Items != nil || qp.RemoveItems != nil {
		itemIDs, err := r.reconcileItems(ctx, groupID, qp, pos)
		if err != nil {
			return nil, err
		}
		ids = append(ids, itemIDs...)
	}

	if qp.Breakdown != nil {
		if err := r.reconcileBreakdown(ctx, question.ID, qp.Breakdown); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// applyQuestion 写入题目字段；question_number / question_text 未提供时置空
func (r *reconciler) applyQuestion(ctx context.Context, q *model.TestQuestion, groupID string, qp *QuestionPayload, images []UploadedFile, pos int) error {
	data := questionData(qp.QuestionData)
	if err := r.reconcileImages(ctx, q, qp, images, data); err != nil {
		return err
	}
	encoded, err := toJSON(data)
	if err != nil {
		return err
	}

	answers, present, err := normalizeAnswers(qp.CorrectAnswers)
	if err != nil {
		return err
	}
	switch {
	case present:
		q.CorrectAnswers = answers
	case len(q.CorrectAnswers) == 0:
		q.CorrectAnswers = emptyAnswers
	}

	q.IsComposite = r.m.compositePayload(qp) || (q.IsComposite && q.QuestionType == qp.QuestionType)
	q.QuestionGroupID = groupID
	q.QuestionType = qp.QuestionType
	q.SetNumber(qp.QuestionNumber)
	q.QuestionText = qp.QuestionText
	q.QuestionData = encoded
	q.PointsValue = derefFloat(qp.PointsValue)
	q.Position = pos
	return nil
}

// reconcileImages 计算题目最终的 image_path 并写入 data
// 有新上传时先删除全部旧图；否则按 remove_images 删除其中已存在的路径
func (r *reconciler) reconcileImages(ctx context.Context, q *model.TestQuestion, qp *QuestionPayload, images []UploadedFile, data map[string]interface{}) error {
	current, err := q.DataMap()
	if err != nil {
		return fmt.Errorf("decode question_data: %w", err)
	}
	_, hadImagePath := current[model.QuestionDataImagePath]
	oldPaths := model.ImagePathsOf(current)
	removals, _ := removeImages(qp.QuestionData)

	paths := []string{}
	switch {
	case len(images) > 0:
		for _, p := range oldPaths {
			if err := r.att.Delete(ctx, p); err != nil {
				return err
			}
		}
		uploaded, err := uploadImages(ctx, r.att, images)
		if err != nil {
			return err
		}
		paths = append(paths, uploaded...)
	case len(removals) > 0:
		drop := make(map[string]bool, len(removals))
		for _, p := range removals {
			drop[p] = true
		}
		for _, p := range oldPaths {
			if drop[p] {
				if err := r.att.Delete(ctx, p); err != nil {
					return err
				}
				continue
			}
			paths = append(paths, p)
		}
	default:
		paths = append(paths, oldPaths...)
	}

	if len(paths) > 0 || hadImagePath {
		data[model.QuestionDataImagePath] = paths
	}
	return nil
}

func (r *reconciler) reconcileOptions(ctx context.Context, questionID string, options []OptionPayload) error {
	seen := make([]string, 0, len(options))
	for i := range options {
		op := &options[i]
		option, _, err := upsertByOptionalID(ctx, r.options(), op.ID, questionID, func(n *model.QuestionOption) error {
			n.QuestionID = questionID
			n.OptionKey = op.OptionKey
			n.OptionText = op.OptionText
			n.Position = i
			return nil
		})
		if err != nil {
			return fmt.Errorf("upsert option %s: %w", op.OptionKey, err)
		}
		seen = append(seen, option.ID)
	}
	return r.tx.DeleteOptionsExcept(ctx, questionID, seen)
}

// reconcileItems 更新或创建子题，并删除 remove_items 中属于本组的题目
func (r *reconciler) reconcileItems(ctx context.Context, groupID string, qp *QuestionPayload, pos *int) ([]string, error) {
	ids := make([]string, 0, len(qp.Items))
	for ii := range qp.Items {
		ip := &qp.Items[ii]
		item, _, err := upsertByOptionalID(ctx, r.questions(), ip.ID, groupID, func(n *model.TestQuestion) error {
			// 子题渲染时不输出 question_data，未提供时保留原值
			if ip.QuestionData != nil || len(n.QuestionData) == 0 {
				data, err := toJSON(questionData(ip.QuestionData))
				if err != nil {
					return err
				}
				n.QuestionData = data
			}
			answers, err := answersOrEmpty(ip.CorrectAnswers)
			if err != nil {
				return err
			}
			n.QuestionGroupID = groupID
			n.QuestionType = qp.QuestionType
			n.SetNumber(ip.QuestionNumber)
			n.QuestionText = nil
			n.CorrectAnswers = answers
			n.PointsValue = 0
			n.IsComposite = false
			n.Position = *pos
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("upsert item %d: %w", ii, err)
		}
		*pos++
		ids = append(ids, item.ID)

		if ip.Options != nil {
			if err := r.reconcileOptions(ctx, item.ID, ip.Options); err != nil {
				return nil, err
			}
		}
	}

	if len(qp.RemoveItems) > 0 {
		removed, err := r.tx.DeleteQuestions(ctx, groupID, qp.RemoveItems)
		if err := r.release(ctx, removed, err); err != nil {
			return nil, fmt.Errorf("remove items: %w", err)
		}
	}
	return ids, nil
}

// reconcileBreakdown 按题目查找或创建解析；highlights 只有在请求中出现时才对账
func (r *reconciler) reconcileBreakdown(ctx context.Context, questionID string, bp *BreakdownPayload) error {
	breakdown, err := r.tx.FindBreakdownByQuestion(ctx, questionID)
	created := false
	switch {
	case errors.Is(err, repository.ErrNotFound):
		breakdown = &model.QuestionBreakdown{QuestionID: questionID}
		created = true
	case err != nil:
		return fmt.Errorf("find breakdown: %w", err)
	}

	breakdown.Explanation = bp.Explanation
	breakdown.HasHighlight = derefBool(bp.HasHighlight)
	if created {
		err = r.tx.CreateBreakdown(ctx, breakdown)
	} else {
		err = r.tx.UpdateBreakdown(ctx, breakdown)
	}
	if err != nil {
		return fmt.Errorf("save breakdown: %w", err)
	}

	if bp.Highlights == nil {
		return nil
	}
	seen := make([]string, 0, len(bp.Highlights))
	for i := range bp.Highlights {
		hp := &bp.Highlights[i]
		highlight, _, err := upsertByOptionalID(ctx, r.highlights(), hp.ID, breakdown.ID, func(n *model.HighlightSegment) error {
			n.BreakdownID = breakdown.ID
			n.StartCharIndex = hp.StartCharIndex
			n.EndCharIndex = hp.EndCharIndex
			n.Position = i
			return nil
		})
		if err != nil {
			return fmt.Errorf("upsert highlight %d: %w", i, err)
		}
		seen = append(seen, highlight.ID)
	}
	return r.tx.DeleteHighlightsExcept(ctx, breakdown.ID, seen)
}
