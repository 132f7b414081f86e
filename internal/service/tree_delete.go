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

// DeleteTest 删除试卷及全部子节点，并释放题目图片
func (m *TestTreeManager) DeleteTest(ctx context.Context, id Identity, testID string, module model.TestModule) (err error) {
	ctx, span := startSpan(ctx, "DeleteTest", attribute.String("test_id", testID))
	defer func() { finishSpan(span, "delete_test", err) }()

	if _, err = m.authorizeTest(ctx, id, testID, module); err != nil {
		return err
	}

	err = m.mutate(ctx, testID, func(tx repository.TreeStore, att *AttachmentSession) error {
		removed, err := tx.DeleteTest(ctx, testID)
		if err != nil {
			return fmt.Errorf("delete test: %w", err)
		}
		return releaseImages(ctx, att, removed)
	})
	if err != nil {
		logger.Ctx(ctx).Error("Failed to delete test", zap.String("test_id", testID), zap.Error(err))
		return err
	}

	logger.Ctx(ctx).Info("Test deleted", zap.String("test_id", testID))
	return nil
}

// DeletePassage 删除篇章及其题组、题目
func (m *TestTreeManager) DeletePassage(ctx context.Context, id Identity, passageID string, module model.TestModule) (err error) {
	ctx, span := startSpan(ctx, "DeletePassage", attribute.String("passage_id", passageID))
	defer func() { finishSpan(span, "delete_passage", err) }()

	passage, err := m.store.FindPassage(ctx, passageID)
	if errors.Is(err, repository.ErrNotFound) {
		return util.ErrPassageNotFound
	}
	if err != nil {
		return fmt.Errorf("find passage: %w", err)
	}
	if _, err = m.authorizeTest(ctx, id, passage.TestID, module); err != nil {
		if errors.Is(err, util.ErrTestNotFound) {
			return util.ErrPassageNotFound
		}
		return err
	}

	err = m.mutate(ctx, passage.TestID, func(tx repository.TreeStore, att *AttachmentSession) error {
		removed, err := tx.DeletePassage(ctx, passageID)
		if err != nil {
			return fmt.Errorf("delete passage: %w", err)
		}
		return releaseImages(ctx, att, removed)
	})
	if err != nil {
		logger.Ctx(ctx).Error("Failed to delete passage", zap.String("passage_id", passageID), zap.Error(err))
	}
	return err
}

// DeleteQuestion 删除单道题目；题组因此变空时一并删除，groupDeleted 为 true
func (m *TestTreeManager) DeleteQuestion(ctx context.Context, id Identity, questionID string, module model.TestModule) (groupDeleted bool, err error) {
	ctx, span := startSpan(ctx, "DeleteQuestion", attribute.String("question_id", questionID))
	defer func() { finishSpan(span, "delete_question", err) }()

	question, err := m.store.FindQuestion(ctx, questionID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, util.ErrQuestionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("find question: %w", err)
	}
	group, err := m.store.FindGroup(ctx, question.QuestionGroupID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, util.ErrGroupNotFound
	}
	if err != nil {
		return false, fmt.Errorf("find question group: %w", err)
	}
	passage, err := m.store.FindPassage(ctx, group.PassageID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, util.ErrPassageNotFound
	}
	if err != nil {
		return false, fmt.Errorf("find passage: %w", err)
	}
	if _, err = m.authorizeTest(ctx, id, passage.TestID, module); err != nil {
		if errors.Is(err, util.ErrTestNotFound) {
			return false, util.ErrQuestionNotFound
		}
		return false, err
	}

	err = m.mutate(ctx, passage.TestID, func(tx repository.TreeStore, att *AttachmentSession) error {
		groupDeleted = false
		removed, err := tx.DeleteQuestions(ctx, group.ID, []string{questionID})
		if err != nil {
			return fmt.Errorf("delete question: %w", err)
		}
		if err := releaseImages(ctx, att, removed); err != nil {
			return err
		}

		remaining, err := tx.CountQuestions(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("count questions: %w", err)
		}
		if remaining > 0 {
			return nil
		}
		if _, err := tx.DeleteGroup(ctx, group.ID); err != nil {
			return fmt.Errorf("delete empty question group: %w", err)
		}
		groupDeleted = true
		return nil
	})
	if err != nil {
		logger.Ctx(ctx).Error("Failed to delete question", zap.String("question_id", questionID), zap.Error(err))
		return false, err
	}
	return groupDeleted, nil
}
