package repository

import (
	"context"
	"errors"

	"lms_backend/internal/model"

	"gorm.io/gorm"
)

type GormTreeStore struct {
	DB *gorm.DB
}

func NewGormTreeStore(db *gorm.DB) *GormTreeStore {
	return &GormTreeStore{DB: db}
}

func byPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position asc, created_at asc")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormTreeStore) db(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

func (s *GormTreeStore) Transaction(ctx context.Context, fn func(tx TreeStore) error) error {
	return s.db(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormTreeStore{DB: tx})
	})
}

func (s *GormTreeStore) CreateTest(ctx context.Context, test *model.Test) error {
	return s.db(ctx).Omit("Passages").Create(test).Error
}

func (s *GormTreeStore) UpdateTest(ctx context.Context, test *model.Test) error {
	return s.db(ctx).Omit("Passages", "Revision").Save(test).Error
}

func (s *GormTreeStore) TouchTest(ctx context.Context, id string) error {
	return s.db(ctx).Model(&model.Test{}).Where("id = ?", id).Update("revision", gorm.Expr("revision + ?", 1)).Error
}

func (s *GormTreeStore) FindTest(ctx context.Context, id string) (*model.Test, error) {
	var test model.Test
	if err := s.db(ctx).First(&test, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &test, nil
}

func (s *GormTreeStore) withTree(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Passages", byPosition).
		Preload("Passages.QuestionGroups", byPosition).
		Preload("Passages.QuestionGroups.Questions", byPosition).
		Preload("Passages.QuestionGroups.Questions.Options", byPosition).
		Preload("Passages.QuestionGroups.Questions.Breakdown").
		Preload("Passages.QuestionGroups.Questions.Breakdown.Highlights", byPosition)
}

func (s *GormTreeStore) LoadTree(ctx context.Context, id string) (*model.Test, error) {
	var test model.Test
	if err := s.withTree(s.db(ctx)).First(&test, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &test, nil
}

func (s *GormTreeStore) ListTrees(ctx context.Context, filter TestFilter) ([]model.Test, error) {
	query := s.db(ctx).Model(&model.Test{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.CreatorID != "" {
		query = query.Where("creator_id = ?", filter.CreatorID)
	}
	if filter.PublishedOnly {
		query = query.Where("is_published = ?", true)
	}

	var tests []model.Test
	err := s.withTree(query).Order("created_at asc").Find(&tests).Error
	return tests, err
}

func (s *GormTreeStore) DeleteTest(ctx context.Context, id string) ([]model.TestQuestion, error) {
	var passageIDs []string
	if err := s.db(ctx).Model(&model.Passage{}).Where("test_id = ?", id).Pluck("id", &passageIDs).Error; err != nil {
		return nil, err
	}
	removed, err := s.deletePassageRows(ctx, passageIDs)
	if err != nil {
		return nil, err
	}
	if err := s.db(ctx).Delete(&model.Test{}, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *GormTreeStore) UserNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var users []model.User
	if err := s.db(ctx).Select("id", "name").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		names[u.ID] = u.Name
	}
	return names, nil
}

// 级联删除，按 高亮 → 解析 → 选项 → 题目 → 题组 → 篇章 的顺序物理删除

func (s *GormTreeStore) deleteQuestionRows(ctx context.Context, questions []model.TestQuestion) error {
	if len(questions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(questions))
	for _, q := range questions {
		ids = append(ids, q.ID)
	}

	tx := s.db(ctx)
	breakdowns := tx.Model(&model.QuestionBreakdown{}).Select("id").Where("question_id IN ?", ids)
	if err := tx.Where("breakdown_id IN (?)", breakdowns).Delete(&model.HighlightSegment{}).Error; err != nil {
		return err
	}
	if err := tx.Where("question_id IN ?", ids).Delete(&model.QuestionBreakdown{}).Error; err != nil {
		return err
	}
	if err := tx.Where("question_id IN ?", ids).Delete(&model.QuestionOption{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", ids).Delete(&model.TestQuestion{}).Error
}

func (s *GormTreeStore) deleteGroupRows(ctx context.Context, groupIDs []string) ([]model.TestQuestion, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var questions []model.TestQuestion
	if err := s.db(ctx).Where("question_group_id IN ?", groupIDs).Find(&questions).Error; err != nil {
		return nil, err
	}
	if err := s.deleteQuestionRows(ctx, questions); err != nil {
		return nil, err
	}
	if err := s.db(ctx).Where("id IN ?", groupIDs).Delete(&model.QuestionGroup{}).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

func (s *GormTreeStore) deletePassageRows(ctx context.Context, passageIDs []string) ([]model.TestQuestion, error) {
	if len(passageIDs) == 0 {
		return nil, nil
	}
	var groupIDs []string
	if err := s.db(ctx).Model(&model.QuestionGroup{}).Where("passage_id IN ?", passageIDs).Pluck("id", &groupIDs).Error; err != nil {
		return nil, err
	}
	removed, err := s.deleteGroupRows(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	if err := s.db(ctx).Where("id IN ?", passageIDs).Delete(&model.Passage{}).Error; err != nil {
		return nil, err
	}
	return removed, nil
}

// exceptScope 父节点下不在 keep 中的记录；keep 为空时匹配全部
func exceptScope(db *gorm.DB, parentColumn, parentID string, keep []string) *gorm.DB {
	db = db.Where(parentColumn+" = ?", parentID)
	if len(keep) > 0 {
		db = db.Where("id NOT IN ?", keep)
	}
	return db
}

func (s *GormTreeStore) FindPassage(ctx context.Context, id string) (*model.Passage, error) {
	var p model.Passage
	if err := s.db(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *GormTreeStore) CreatePassage(ctx context.Context, passage *model.Passage) error {
	return s.db(ctx).Omit("QuestionGroups").Create(passage).Error
}

func (s *GormTreeStore) UpdatePassage(ctx context.Context, passage *model.Passage) error {
	return s.db(ctx).Omit("QuestionGroups").Save(passage).Error
}

func (s *GormTreeStore) DeletePassage(ctx context.Context, id string) ([]model.TestQuestion, error) {
	return s.deletePassageRows(ctx, []string{id})
}

func (s *GormTreeStore) DeletePassagesExcept(ctx context.Context, testID string, keep []string) ([]model.TestQuestion, error) {
	var ids []string
	if err := exceptScope(s.db(ctx).Model(&model.Passage{}), "test_id", testID, keep).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return s.deletePassageRows(ctx, ids)
}

func (s *GormTreeStore) FindGroup(ctx context.Context, id string) (*model.QuestionGroup, error) {
	var g model.QuestionGroup
	if err := s.db(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (s *GormTreeStore) CreateGroup(ctx context.Context, group *model.QuestionGroup) error {
	return s.db(ctx).Omit("Questions").Create(group).Error
}

func (s *GormTreeStore) UpdateGroup(ctx context.Context, group *model.QuestionGroup) error {
	return s.db(ctx).Omit("Questions").Save(group).Error
}

func (s *GormTreeStore) DeleteGroup(ctx context.Context, id string) ([]model.TestQuestion, error) {
	return s.deleteGroupRows(ctx, []string{id})
}

func (s *GormTreeStore) DeleteGroupsExcept(ctx context.Context, passageID string, keep []string) ([]model.TestQuestion, error) {
	var ids []string
	if err := exceptScope(s.db(ctx).Model(&model.QuestionGroup{}), "passage_id", passageID, keep).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return s.deleteGroupRows(ctx, ids)
}

func (s *GormTreeStore) FindQuestion(ctx context.Context, id string) (*model.TestQuestion, error) {
	var q model.TestQuestion
	if err := s.db(ctx).First(&q, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

func (s *GormTreeStore) CreateQuestion(ctx context.Context, question *model.TestQuestion) error {
	return s.db(ctx).Omit("Options", "Breakdown").Create(question).Error
}

func (s *GormTreeStore) UpdateQuestion(ctx context.Context, question *model.TestQuestion) error {
	return s.db(ctx).Omit("Options", "Breakdown").Save(question).Error
}

func (s *GormTreeStore) ListQuestions(ctx context.Context, groupID string) ([]model.TestQuestion, error) {
	var qs []model.TestQuestion
	err := byPosition(s.db(ctx).Where("question_group_id = ?", groupID)).Find(&qs).Error
	return qs, err
}

func (s *GormTreeStore) CountQuestions(ctx context.Context, groupID string) (int64, error) {
	var count int64
	err := s.db(ctx).Model(&model.TestQuestion{}).Where("question_group_id = ?", groupID).Count(&count).Error
	return count, err
}

func (s *GormTreeStore) DeleteQuestions(ctx context.Context, groupID string, ids []string) ([]model.TestQuestion, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var qs []model.TestQuestion
	if err := s.db(ctx).Where("question_group_id = ? AND id IN ?", groupID, ids).Find(&qs).Error; err != nil {
		return nil, err
	}
	if err := s.deleteQuestionRows(ctx, qs); err != nil {
		return nil, err
	}
	return qs, nil
}

func (s *GormTreeStore) DeleteQuestionsExcept(ctx context.Context, groupID string, keep []string) ([]model.TestQuestion, error) {
	var qs []model.TestQuestion
	if err := exceptScope(s.db(ctx), "question_group_id", groupID, keep).Find(&qs).Error; err != nil {
		return nil, err
	}
	if err := s.deleteQuestionRows(ctx, qs); err != nil {
		return nil, err
	}
	return qs, nil
}

func (s *GormTreeStore) FindOption(ctx context.Context, id string) (*model.QuestionOption, error) {
	var o model.QuestionOption
	if err := s.db(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *GormTreeStore) CreateOption(ctx context.Context, option *model.QuestionOption) error {
	return s.db(ctx).Create(option).Error
}

func (s *GormTreeStore) UpdateOption(ctx context.Context, option *model.QuestionOption) error {
	return s.db(ctx).Save(option).Error
}

func (s *GormTreeStore) DeleteOptionsExcept(ctx context.Context, questionID string, keep []string) error {
	return exceptScope(s.db(ctx), "question_id", questionID, keep).Delete(&model.QuestionOption{}).Error
}

func (s *GormTreeStore) FindBreakdownByQuestion(ctx context.Context, questionID string) (*model.QuestionBreakdown, error) {
	var b model.QuestionBreakdown
	if err := s.db(ctx).First(&b, "question_id = ?", questionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *GormTreeStore) CreateBreakdown(ctx context.Context, breakdown *model.QuestionBreakdown) error {
	return s.db(ctx).Omit("Highlights").Create(breakdown).Error
}

func (s *GormTreeStore) UpdateBreakdown(ctx context.Context, breakdown *model.QuestionBreakdown) error {
	return s.db(ctx).Omit("Highlights").Save(breakdown).Error
}

func (s *GormTreeStore) FindHighlight(ctx context.Context, id string) (*model.HighlightSegment, error) {
	var h model.HighlightSegment
	if err := s.db(ctx).First(&h, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (s *GormTreeStore) CreateHighlight(ctx context.Context, highlight *model.HighlightSegment) error {
	return s.db(ctx).Create(highlight).Error
}

func (s *GormTreeStore) UpdateHighlight(ctx context.Context, highlight *model.HighlightSegment) error {
	return s.db(ctx).Save(highlight).Error
}

func (s *GormTreeStore) DeleteHighlightsExcept(ctx context.Context, breakdownID string, keep []string) error {
	return exceptScope(s.db(ctx), "breakdown_id", breakdownID, keep).Delete(&model.HighlightSegment{}).Error
}
