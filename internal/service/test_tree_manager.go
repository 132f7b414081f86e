package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lms_backend/internal/config"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ItemRemovalStrategy 复合题子题的删除策略
type ItemRemovalStrategy string

const (
	// ItemRemovalExplicit 子题只能通过 remove_items 删除，复合题组不做按缺失删除
	ItemRemovalExplicit ItemRemovalStrategy = "explicit"
	// ItemRemovalOmission 复合题组与其他层级一致，请求中未出现的题目一律删除
	ItemRemovalOmission ItemRemovalStrategy = "omission"
)

type TreeOptions struct {
	ItemRemoval ItemRemovalStrategy
	// StageAttachments 开启后附件在事务提交后才落到正式位置
	StageAttachments bool
	ImageFolder      string
}

func DefaultTreeOptions() TreeOptions {
	return TreeOptions{ItemRemoval: ItemRemovalExplicit, StageAttachments: true, ImageFolder: util.QuestionImageFolder}
}

// TreeOptionsFromConfig 启动和配置热更新时使用
func TreeOptionsFromConfig(cfg *config.Config) TreeOptions {
	return TreeOptions{
		ItemRemoval:      ItemRemovalStrategy(cfg.Tree.ItemRemoval),
		StageAttachments: cfg.Attachments.Staging,
		ImageFolder:      cfg.Attachments.Folder,
	}.normalize()
}

func (o TreeOptions) normalize() TreeOptions {
	if o.ItemRemoval == "" {
		o.ItemRemoval = ItemRemovalExplicit
	}
	if o.ImageFolder == "" {
		o.ImageFolder = util.QuestionImageFolder
	}
	return o
}

var tracer = otel.Tracer("lms_backend/service")

// TestTreeManager 负责题目树的创建、渲染、对账更新和级联删除
type TestTreeManager struct {
	store   repository.TreeStore
	storage *StorageService
	catalog *QuestionCatalog
	cache   RenderCache

	mu   sync.RWMutex
	opts TreeOptions
}

func NewTestTreeManager(store repository.TreeStore, storage *StorageService, catalog *QuestionCatalog, cache RenderCache, opts TreeOptions) *TestTreeManager {
	if cache == nil {
		cache = NoopRenderCache{}
	}
	return &TestTreeManager{
		store:   store,
		storage: storage,
		catalog: catalog,
		cache:   cache,
		opts:    opts.normalize(),
	}
}

// Configure 配置热更新时调用
func (m *TestTreeManager) Configure(opts TreeOptions) {
	opts = opts.normalize()
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
	logger.Log.Info("Test tree options updated",
		zap.String("item_removal", string(opts.ItemRemoval)),
		zap.Bool("stage_attachments", opts.StageAttachments))
}

func (m *TestTreeManager) options() TreeOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "TestTreeManager."+op, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	monitoring.TreeOperations.WithLabelValues(op, status).Inc()
	span.End()
}

// mutate 在一个数据库事务中执行 fn，并按事务结果提交或丢弃附件会话
func (m *TestTreeManager) mutate(ctx context.Context, testID string, fn func(tx repository.TreeStore, att *AttachmentSession) error) error {
	opts := m.options()
	att := m.storage.NewSession(opts.StageAttachments, opts.ImageFolder)

	if err := m.store.Transaction(ctx, func(tx repository.TreeStore) error {
		if testID != "" {
			if err := tx.TouchTest(ctx, testID); err != nil {
				return fmt.Errorf("touch test: %w", err)
			}
		}
		return fn(tx, att)
	}); err != nil {
		att.Rollback(ctx)
		return err
	}

	if err := att.Commit(ctx); err != nil {
		logger.Ctx(ctx).Error("Attachment commit incomplete", zap.String("test_id", testID), zap.Error(err))
	}
	m.invalidate(ctx, testID)
	return nil
}

func (m *TestTreeManager) invalidate(ctx context.Context, testID string) {
	if testID == "" {
		return
	}
	if err := m.cache.Invalidate(ctx, testID); err != nil {
		logger.Ctx(ctx).Warn("Failed to invalidate render cache", zap.String("test_id", testID), zap.Error(err))
	}
}

// findTest 不存在时返回 ErrTestNotFound
func findTest(ctx context.Context, store repository.TreeStore, testID string) (*model.Test, error) {
	test, err := store.FindTest(ctx, testID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, util.ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find test: %w", err)
	}
	return test, nil
}

// authorizeTest 加载试卷并校验创建者或管理员权限；模块不符时视为不存在
func (m *TestTreeManager) authorizeTest(ctx context.Context, id Identity, testID string, module model.TestModule) (*model.Test, error) {
	test, err := findTest(ctx, m.store, testID)
	if err != nil {
		return nil, err
	}
	if module != "" && test.Type != module {
		return nil, util.ErrTestNotFound
	}
	if !id.CanModify(test) {
		return nil, util.ErrPermissionDenied
	}
	return test, nil
}

// releaseImages 释放被删除题目引用的全部图片
func releaseImages(ctx context.Context, att *AttachmentSession, questions []model.TestQuestion) error {
	for i := range questions {
		for _, path := range questions[i].ImagePaths() {
			if err := att.Delete(ctx, path); err != nil {
				return fmt.Errorf("release image %s: %w", path, err)
			}
		}
	}
	return nil
}
