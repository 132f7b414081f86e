package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lms_backend/internal/model"

	"gorm.io/datatypes"
)

// MemoryTreeStore 内存实现，用于本地开发和测试
// 事务通过快照实现：失败时整体恢复到事务开始前的状态
type MemoryTreeStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *memoryData
}

type memoryData struct {
	seq        int64
	order      map[string]int64
	users      map[string]model.User
	tests      map[string]model.Test
	passages   map[string]model.Passage
	groups     map[string]model.QuestionGroup
	questions  map[string]model.TestQuestion
	options    map[string]model.QuestionOption
	breakdowns map[string]model.QuestionBreakdown
	highlights map[string]model.HighlightSegment
}

func newMemoryData() *memoryData {
	return &memoryData{
		order:      map[string]int64{},
		users:      map[string]model.User{},
		tests:      map[string]model.Test{},
		passages:   map[string]model.Passage{},
		groups:     map[string]model.QuestionGroup{},
		questions:  map[string]model.TestQuestion{},
		options:    map[string]model.QuestionOption{},
		breakdowns: map[string]model.QuestionBreakdown{},
		highlights: map[string]model.HighlightSegment{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// 存储的值从不原地修改，浅拷贝 map 即可得到快照
func (d *memoryData) clone() *memoryData {
	return &memoryData{
		seq:        d.seq,
		order:      cloneMap(d.order),
		users:      cloneMap(d.users),
		tests:      cloneMap(d.tests),
		passages:   cloneMap(d.passages),
		groups:     cloneMap(d.groups),
		questions:  cloneMap(d.questions),
		options:    cloneMap(d.options),
		breakdowns: cloneMap(d.breakdowns),
		highlights: cloneMap(d.highlights),
	}
}

func NewMemoryTreeStore() *MemoryTreeStore {
	return &MemoryTreeStore{data: newMemoryData()}
}

// AddUser 写入用户，用于 creator_name
func (s *MemoryTreeStore) AddUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = model.GenerateUUID()
	}
	s.data.users[user.ID] = user
}

func (s *MemoryTreeStore) Transaction(ctx context.Context, fn func(tx TreeStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(memoryTx{s}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// memoryTx 事务内的视图，嵌套事务直接复用外层事务
type memoryTx struct {
	*MemoryTreeStore
}

func (t memoryTx) Transaction(ctx context.Context, fn func(tx TreeStore) error) error {
	return fn(t)
}

func cloneJSON(j datatypes.JSON) datatypes.JSON {
	if j == nil {
		return nil
	}
	out := make(datatypes.JSON, len(j))
	copy(out, j)
	return out
}

func (d *memoryData) stamp(base *model.NodeBase, create bool) {
	now := time.Now()
	if create {
		if base.ID == "" {
			base.ID = model.GenerateUUID()
		}
		d.seq++
		d.order[base.ID] = d.seq
		base.CreatedAt = now
	}
	base.UpdatedAt = now
}

func (d *memoryData) exists(id string) bool {
	_, ok := d.order[id]
	return ok
}

func duplicateKey(kind, id string) error {
	return fmt.Errorf("duplicate %s primary key %q", kind, id)
}

func sortNodes[T any](d *memoryData, nodes []T, id func(T) string, position func(T) int) {
	sort.SliceStable(nodes, func(i, j int) bool {
		pi, pj := position(nodes[i]), position(nodes[j])
		if pi != pj {
			return pi < pj
		}
		return d.order[id(nodes[i])] < d.order[id(nodes[j])]
	})
}

func (s *MemoryTreeStore) CreateTest(ctx context.Context, test *model.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if test.ID != "" && s.data.exists(test.ID) {
		return duplicateKey("test", test.ID)
	}
	s.data.stamp(&test.NodeBase, true)
	s.data.tests[test.ID] = stripTest(*test)
	return nil
}

func (s *MemoryTreeStore) UpdateTest(ctx context.Context, test *model.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.tests[test.ID]
	if !ok {
		return ErrNotFound
	}
	s.data.stamp(&test.NodeBase, false)
	test.Revision = existing.Revision
	s.data.tests[test.ID] = stripTest(*test)
	return nil
}

func (s *MemoryTreeStore) TouchTest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.tests[id]
	if !ok {
		return nil
	}
	t.Revision++
	s.data.stamp(&t.NodeBase, false)
	s.data.tests[id] = t
	return nil
}

func stripTest(t model.Test) model.Test {
	t.Passages = nil
	t.TimerSettings = cloneJSON(t.TimerSettings)
	t.Settings = cloneJSON(t.Settings)
	return t
}

func (s *MemoryTreeStore) FindTest(ctx context.Context, id string) (*model.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	t = stripTest(t)
	return &t, nil
}

func (s *MemoryTreeStore) LoadTree(ctx context.Context, id string) (*model.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	tree := s.data.assemble(t)
	return &tree, nil
}

func (s *MemoryTreeStore) ListTrees(ctx context.Context, filter TestFilter) ([]model.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tests []model.Test
	for _, t := range s.data.tests {
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.CreatorID != "" && t.CreatorID != filter.CreatorID {
			continue
		}
		if filter.PublishedOnly && !t.IsPublished {
			continue
		}
		tests = append(tests, s.data.assemble(t))
	}
	sort.SliceStable(tests, func(i, j int) bool {
		return s.data.order[tests[i].ID] < s.data.order[tests[j].ID]
	})
	return tests, nil
}

// assemble 组装完整的题目树，子节点按 position 和创建顺序排列
func (d *memoryData) assemble(t model.Test) model.Test {
	t = stripTest(t)
	for _, p := range d.passages {
		if p.TestID != t.ID {
			continue
		}
		for _, g := range d.groups {
			if g.PassageID != p.ID {
				continue
			}
			g.Questions = d.questionsOf(g.ID)
			p.QuestionGroups = append(p.QuestionGroups, g)
		}
		sortNodes(d, p.QuestionGroups, func(g model.QuestionGroup) string { return g.ID }, func(g model.QuestionGroup) int { return g.Position })
		t.Passages = append(t.Passages, p)
	}
	sortNodes(d, t.Passages, func(p model.Passage) string { return p.ID }, func(p model.Passage) int { return p.Position })
	return t
}

func (d *memoryData) questionsOf(groupID string) []model.TestQuestion {
	var qs []model.TestQuestion
	for _, q := range d.questions {
		if q.QuestionGroupID != groupID {
			continue
		}
		q = stripQuestion(q)
		for _, o := range d.options {
			if o.QuestionID == q.ID {
				q.Options = append(q.Options, o)
			}
		}
		sortNodes(d, q.Options, func(o model.QuestionOption) string { return o.ID }, func(o model.QuestionOption) int { return o.Position })
		for _, b := range d.breakdowns {
			if b.QuestionID != q.ID {
				continue
			}
			b := b
			for _, h := range d.highlights {
				if h.BreakdownID == b.ID {
					b.Highlights = append(b.Highlights, h)
				}
			}
			sortNodes(d, b.Highlights, func(h model.HighlightSegment) string { return h.ID }, func(h model.HighlightSegment) int { return h.Position })
			q.Breakdown = &b
		}
		qs = append(qs, q)
	}
	sortNodes(d, qs, func(q model.TestQuestion) string { return q.ID }, func(q model.TestQuestion) int { return q.Position })
	return qs
}

func (s *MemoryTreeStore) DeleteTest(ctx context.Context, id string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var passageIDs []string
	for _, p := range s.data.passages {
		if p.TestID == id {
			passageIDs = append(passageIDs, p.ID)
		}
	}
	removed := s.data.deletePassages(passageIDs)
	delete(s.data.tests, id)
	delete(s.data.order, id)
	return removed, nil
}

func (s *MemoryTreeStore) UserNames(ctx context.Context, ids []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make(map[string]string, len(ids))
	for _, id := range ids {
		if u, ok := s.data.users[id]; ok {
			names[id] = u.Name
		}
	}
	return names, nil
}

func (d *memoryData) deleteQuestions(questions []model.TestQuestion) {
	for _, q := range questions {
		for id, b := range d.breakdowns {
			if b.QuestionID != q.ID {
				continue
			}
			for hid, h := range d.highlights {
				if h.BreakdownID == id {
					delete(d.highlights, hid)
					delete(d.order, hid)
				}
			}
			delete(d.breakdowns, id)
			delete(d.order, id)
		}
		for oid, o := range d.options {
			if o.QuestionID == q.ID {
				delete(d.options, oid)
				delete(d.order, oid)
			}
		}
		delete(d.questions, q.ID)
		delete(d.order, q.ID)
	}
}

func (d *memoryData) deleteGroups(groupIDs []string) []model.TestQuestion {
	var removed []model.TestQuestion
	for _, gid := range groupIDs {
		removed = append(removed, d.questionsOf(gid)...)
		delete(d.groups, gid)
		delete(d.order, gid)
	}
	d.deleteQuestions(removed)
	return removed
}

func (d *memoryData) deletePassages(passageIDs []string) []model.TestQuestion {
	var removed []model.TestQuestion
	for _, pid := range passageIDs {
		var groupIDs []string
		for _, g := range d.groups {
			if g.PassageID == pid {
				groupIDs = append(groupIDs, g.ID)
			}
		}
		removed = append(removed, d.deleteGroups(groupIDs)...)
		delete(d.passages, pid)
		delete(d.order, pid)
	}
	return removed
}

func keepSet(keep []string) map[string]bool {
	set := make(map[string]bool, len(keep))
	for _, id := range keep {
		set[id] = true
	}
	return set
}

func (s *MemoryTreeStore) FindPassage(ctx context.Context, id string) (*model.Passage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.passages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryTreeStore) CreatePassage(ctx context.Context, passage *model.Passage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if passage.ID != "" && s.data.exists(passage.ID) {
		return duplicateKey("passage", passage.ID)
	}
	s.data.stamp(&passage.NodeBase, true)
	p := *passage
	p.QuestionGroups = nil
	s.data.passages[p.ID] = p
	return nil
}

func (s *MemoryTreeStore) UpdatePassage(ctx context.Context, passage *model.Passage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.passages[passage.ID]; !ok {
		return ErrNotFound
	}
	s.data.stamp(&passage.NodeBase, false)
	p := *passage
	p.QuestionGroups = nil
	s.data.passages[p.ID] = p
	return nil
}

func (s *MemoryTreeStore) DeletePassage(ctx context.Context, id string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deletePassages([]string{id}), nil
}

func (s *MemoryTreeStore) DeletePassagesExcept(ctx context.Context, testID string, keep []string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := keepSet(keep)
	var ids []string
	for _, p := range s.data.passages {
		if p.TestID == testID && !kept[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	return s.data.deletePassages(ids), nil
}

func (s *MemoryTreeStore) FindGroup(ctx context.Context, id string) (*model.QuestionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.data.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *MemoryTreeStore) CreateGroup(ctx context.Context, group *model.QuestionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group.ID != "" && s.data.exists(group.ID) {
		return duplicateKey("question group", group.ID)
	}
	s.data.stamp(&group.NodeBase, true)
	g := *group
	g.Questions = nil
	s.data.groups[g.ID] = g
	return nil
}

func (s *MemoryTreeStore) UpdateGroup(ctx context.Context, group *model.QuestionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.groups[group.ID]; !ok {
		return ErrNotFound
	}
	s.data.stamp(&group.NodeBase, false)
	g := *group
	g.Questions = nil
	s.data.groups[g.ID] = g
	return nil
}

func (s *MemoryTreeStore) DeleteGroup(ctx context.Context, id string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deleteGroups([]string{id}), nil
}

func (s *MemoryTreeStore) DeleteGroupsExcept(ctx context.Context, passageID string, keep []string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := keepSet(keep)
	var ids []string
	for _, g := range s.data.groups {
		if g.PassageID == passageID && !kept[g.ID] {
			ids = append(ids, g.ID)
		}
	}
	return s.data.deleteGroups(ids), nil
}

func stripQuestion(q model.TestQuestion) model.TestQuestion {
	q.Options = nil
	q.Breakdown = nil
	q.QuestionData = cloneJSON(q.QuestionData)
	q.CorrectAnswers = cloneJSON(q.CorrectAnswers)
	return q
}

func (s *MemoryTreeStore) FindQuestion(ctx context.Context, id string) (*model.TestQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.data.questions[id]
	if !ok {
		return nil, ErrNotFound
	}
	q = stripQuestion(q)
	return &q, nil
}

func (s *MemoryTreeStore) CreateQuestion(ctx context.Context, question *model.TestQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if question.ID != "" && s.data.exists(question.ID) {
		return duplicateKey("question", question.ID)
	}
	s.data.stamp(&question.NodeBase, true)
	s.data.questions[question.ID] = stripQuestion(*question)
	return nil
}

func (s *MemoryTreeStore) UpdateQuestion(ctx context.Context, question *model.TestQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.questions[question.ID]; !ok {
		return ErrNotFound
	}
	s.data.stamp(&question.NodeBase, false)
	s.data.questions[question.ID] = stripQuestion(*question)
	return nil
}

func (s *MemoryTreeStore) ListQuestions(ctx context.Context, groupID string) ([]model.TestQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qs := s.data.questionsOf(groupID)
	for i := range qs {
		qs[i] = stripQuestion(qs[i])
	}
	return qs, nil
}

func (s *MemoryTreeStore) CountQuestions(ctx context.Context, groupID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, q := range s.data.questions {
		if q.QuestionGroupID == groupID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryTreeStore) DeleteQuestions(ctx context.Context, groupID string, ids []string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []model.TestQuestion
	for _, id := range ids {
		if q, ok := s.data.questions[id]; ok && q.QuestionGroupID == groupID {
			removed = append(removed, stripQuestion(q))
		}
	}
	s.data.deleteQuestions(removed)
	return removed, nil
}

func (s *MemoryTreeStore) DeleteQuestionsExcept(ctx context.Context, groupID string, keep []string) ([]model.TestQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := keepSet(keep)
	var removed []model.TestQuestion
	for _, q := range s.data.questionsOf(groupID) {
		if !kept[q.ID] {
			removed = append(removed, stripQuestion(q))
		}
	}
	s.data.deleteQuestions(removed)
	return removed, nil
}

func (s *MemoryTreeStore) FindOption(ctx context.Context, id string) (*model.QuestionOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.data.options[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryTreeStore) CreateOption(ctx context.Context, option *model.QuestionOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if option.ID != "" && s.data.exists(option.ID) {
		return duplicateKey("option", option.ID)
	}
	s.data.stamp(&option.NodeBase, true)
	s.data.options[option.ID] = *option
	return nil
}

func (s *MemoryTreeStore) UpdateOption(ctx context.Context, option *model.QuestionOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.options[option.ID]; !ok {
		return ErrNotFound
	}
	s.data.stamp(&option.NodeBase, false)
	s.data.options[option.ID] = *option
	return nil
}

func (s *MemoryTreeStore) DeleteOptionsExcept(ctx context.Context, questionID string, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := keepSet(keep)
	for id, o := range s.data.options {
		if o.QuestionID == questionID && !kept[id] {
			delete(s.data.options, id)
			delete(s.data.order, id)
		}
	}
	return nil
}

func (s *MemoryTreeStore) FindBreakdownByQuestion(ctx context.Context, questionID string) (*model.QuestionBreakdown, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.data.breakdowns {
		if b.QuestionID == questionID {
			b.Highlights = nil
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryTreeStore) CreateBreakdown(ctx context.Context, breakdown *model.QuestionBreakdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if breakdown.ID != "" && s.data.exists(breakdown.ID) {
		return duplicateKey("breakdown", breakdown.ID)
	}
	for _, b := range s.data.breakdowns {
		if b.QuestionID == breakdown.QuestionID {
			return fmt.Errorf("duplicate breakdown for question %q", breakdown.QuestionID)
		}
	}
	s.data.stamp(&breakdown.NodeBase, true)
	b := *breakdown
	b.Highlights = nil
	s.data.breakdowns[b.ID] = b
	return nil
}

func (s *MemoryTreeStore) UpdateBreakdown(ctx context.Context, breakdown *model.QuestionBreakdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.breakdowns[breakdown.ID]; !ok {
		return ErrNotFound
	}
	s.data.stamp(&breakdown.NodeBase, false)
	b := *breakdown
	b.Highlights = nil
	s.data.breakdowns[b.ID] = b
	return nil
}

func (s *MemoryTreeStore) FindHighlight(ctx context.Context, id string) (*model.HighlightSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.data.highlights[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (s *MemoryTreeStore) CreateHighlight(ctx context.Context, highlight *model.HighlightSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if highlight.ID != "" && s.data.exists(highlight.ID) {
		return duplicateKey("highlight", highlight.ID)
	}
	s.data.stamp(&highlight.NodeBase, true)
	s.data.highlights[highlight.ID] = *highlight
	return nil
}

func (s *MemoryTreeStore) UpdateHighlight(ctx context.Context, highlight *model.HighlightSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.highlights[highlight.ID]; !ok {
		return ErrNotFound
	}
	s.data.stamp(&highlight.NodeBase, false)
	s.data.highlights[highlight.ID] = *highlight
	return nil
}

func (s *MemoryTreeStore) DeleteHighlightsExcept(ctx context.Context, breakdownID string, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := keepSet(keep)
	for id, h := range s.data.highlights {
		if h.BreakdownID == breakdownID && !kept[id] {
			delete(s.data.highlights, id)
			delete(s.data.order, id)
		}
	}
	return nil
}

// Counts 各表行数，测试中用于校验级联删除
func (s *MemoryTreeStore) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"tests":               len(s.data.tests),
		"passages":            len(s.data.passages),
		"question_groups":     len(s.data.groups),
		"test_questions":      len(s.data.questions),
		"question_options":    len(s.data.options),
		"question_breakdowns": len(s.data.breakdowns),
		"highlight_segments":  len(s.data.highlights),
	}
}
