package repository

import (
	"context"
	"errors"

	"lms_backend/internal/model"
)

var ErrNotFound = errors.New("record not found")

// TestFilter 列表查询条件，零值字段不参与过滤
type TestFilter struct {
	Type          model.TestModule
	CreatorID     string
	PublishedOnly bool
}

// TreeStore 题目树的持久化接口
// 所有 Delete* 方法都会级联删除子树，并返回被删除的题目，调用方据此释放图片
type TreeStore interface {
	Transaction(ctx context.Context, fn func(tx TreeStore) error) error

	CreateTest(ctx context.Context, test *model.Test) error
	UpdateTest(ctx context.Context, test *model.Test) error
	// TouchTest 递增试卷的 revision；UpdateTest 不会改写 revision
	TouchTest(ctx context.Context, id string) error
	FindTest(ctx context.Context, id string) (*model.Test, error)
	LoadTree(ctx context.Context, id string) (*model.Test, error)
	ListTrees(ctx context.Context, filter TestFilter) ([]model.Test, error)
	DeleteTest(ctx context.Context, id string) ([]model.TestQuestion, error)
	UserNames(ctx context.Context, ids []string) (map[string]string, error)

	FindPassage(ctx context.Context, id string) (*model.Passage, error)
	CreatePassage(ctx context.Context, passage *model.Passage) error
	UpdatePassage(ctx context.Context, passage *model.Passage) error
	DeletePassage(ctx context.Context, id string) ([]model.TestQuestion, error)
	DeletePassagesExcept(ctx context.Context, testID string, keep []string) ([]model.TestQuestion, error)

	FindGroup(ctx context.Context, id string) (*model.QuestionGroup, error)
	CreateGroup(ctx context.Context, group *model.QuestionGroup) error
	UpdateGroup(ctx context.Context, group *model.QuestionGroup) error
	DeleteGroup(ctx context.Context, id string) ([]model.TestQuestion, error)
	DeleteGroupsExcept(ctx context.Context, passageID string, keep []string) ([]model.TestQuestion, error)

	FindQuestion(ctx context.Context, id string) (*model.TestQuestion, error)
	CreateQuestion(ctx context.Context, question *model.TestQuestion) error
	UpdateQuestion(ctx context.Context, question *model.TestQuestion) error
	ListQuestions(ctx context.Context, groupID string) ([]model.TestQuestion, error)
	CountQuestions(ctx context.Context, groupID string) (int64, error)
	DeleteQuestions(ctx context.Context, groupID string, ids []string) ([]model.TestQuestion, error)
	DeleteQuestionsExcept(ctx context.Context, groupID string, keep []string) ([]model.TestQuestion, error)

	FindOption(ctx context.Context, id string) (*model.QuestionOption, error)
	CreateOption(ctx context.Context, option *model.QuestionOption) error
	UpdateOption(ctx context.Context, option *model.QuestionOption) error
	DeleteOptionsExcept(ctx context.Context, questionID string, keep []string) error

	FindBreakdownByQuestion(ctx context.Context, questionID string) (*model.QuestionBreakdown, error)
	CreateBreakdown(ctx context.Context, breakdown *model.QuestionBreakdown) error
	UpdateBreakdown(ctx context.Context, breakdown *model.QuestionBreakdown) error

	FindHighlight(ctx context.Context, id string) (*model.HighlightSegment, error)
	CreateHighlight(ctx context.Context, highlight *model.HighlightSegment) error
	UpdateHighlight(ctx context.Context, highlight *model.HighlightSegment) error
	DeleteHighlightsExcept(ctx context.Context, breakdownID string, keep []string) error
}
