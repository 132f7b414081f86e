package service

import (
	"context"
	"errors"
	"path"
	"sync"

	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type stagedObject struct {
	stagingKey string
	finalKey   string
}

// AttachmentSession 一次题目树变更内的附件操作
// 开启暂存时：上传先写入 staging/<session>/ 下，删除延后；事务提交后 Commit 移动到正式 key 并执行删除，
// 回滚时 Rollback 丢弃暂存对象。关闭暂存时上传和删除立即生效。
type AttachmentSession struct {
	storage *StorageService
	staging bool
	folder  string
	id      string

	mu      sync.Mutex
	staged  []stagedObject
	deletes []string
}

// NewSession folder 为空时上传到 Upload 调用方指定的目录
func (s *StorageService) NewSession(staging bool, folder string) *AttachmentSession {
	return &AttachmentSession{
		storage: s,
		staging: staging,
		folder:  folder,
		id:      uuid.New().String(),
	}
}

func (a *AttachmentSession) Upload(ctx context.Context, file UploadedFile, folder string) (string, error) {
	if a.folder != "" {
		folder = a.folder
	}
	finalKey := a.storage.ObjectKey(folder, file.Filename())
	if !a.staging {
		if err := a.storage.Save(ctx, finalKey, file); err != nil {
			return "", err
		}
		monitoring.TreeAttachments.WithLabelValues("upload").Inc()
		return a.storage.GetURL(finalKey), nil
	}

	stagingKey := path.Join(a.storage.StagingDir, a.id, finalKey)
	if err := a.storage.Save(ctx, stagingKey, file); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.staged = append(a.staged, stagedObject{stagingKey: stagingKey, finalKey: finalKey})
	a.mu.Unlock()
	monitoring.TreeAttachments.WithLabelValues("stage").Inc()

	return a.storage.GetURL(finalKey), nil
}

func (a *AttachmentSession) Delete(ctx context.Context, url string) error {
	if !a.staging {
		monitoring.TreeAttachments.WithLabelValues("delete").Inc()
		return a.storage.Delete(ctx, url)
	}
	a.mu.Lock()
	a.deletes = append(a.deletes, url)
	a.mu.Unlock()
	return nil
}

// Commit 在数据库事务提交后调用
func (a *AttachmentSession) Commit(ctx context.Context) error {
	if !a.staging {
		return nil
	}
	a.mu.Lock()
	staged, deletes := a.staged, a.deletes
	a.staged, a.deletes = nil, nil
	a.mu.Unlock()

	var errs []error
	for _, obj := range staged {
		if err := a.storage.Move(ctx, obj.stagingKey, obj.finalKey); err != nil {
			logger.Ctx(ctx).Error("Failed to promote staged attachment",
				zap.String("session", a.id),
				zap.String("key", obj.finalKey),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		monitoring.TreeAttachments.WithLabelValues("upload").Inc()
	}
	for _, url := range deletes {
		if err := a.storage.Delete(ctx, url); err != nil {
			logger.Ctx(ctx).Warn("Failed to delete released attachment",
				zap.String("session", a.id),
				zap.String("path", url),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		monitoring.TreeAttachments.WithLabelValues("delete").Inc()
	}
	return errors.Join(errs...)
}

// Rollback 在数据库事务回滚后调用；关闭暂存时已上传的文件无法补偿
func (a *AttachmentSession) Rollback(ctx context.Context) {
	if !a.staging {
		return
	}
	a.mu.Lock()
	staged := a.staged
	a.staged, a.deletes = nil, nil
	a.mu.Unlock()

	for _, obj := range staged {
		if err := a.storage.Provider.Delete(ctx, obj.stagingKey); err != nil {
			logger.Ctx(ctx).Warn("Failed to discard staged attachment",
				zap.String("session", a.id),
				zap.String("key", obj.stagingKey),
				zap.Error(err))
			continue
		}
		monitoring.TreeAttachments.WithLabelValues("discard").Inc()
	}
}
