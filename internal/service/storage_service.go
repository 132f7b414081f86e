package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lms_backend/internal/config"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Uploader 附件上传/删除协作者
type Uploader interface {
	Upload(ctx context.Context, file UploadedFile, folder string) (string, error)
	// Delete 幂等，对象不存在不算错误
	Delete(ctx context.Context, path string) error
}

// StorageProvider 定义通用存储接口
type StorageProvider interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Move(ctx context.Context, srcKey, dstKey string) error
	GetURL(key string) string
	// KeyFromURL 从公开 URL 还原对象 key
	KeyFromURL(url string) string
}

// LocalStorageProvider 本地存储实现
type LocalStorageProvider struct {
	Config *config.StorageConfig
}

// path 将 key 限定在 LocalPath 之内
func (p *LocalStorageProvider) path(key string) string {
	return filepath.Join(p.Config.LocalPath, filepath.Clean(string(filepath.Separator)+filepath.FromSlash(key)))
}

func (p *LocalStorageProvider) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	dst := p.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, reader)
	return err
}

func (p *LocalStorageProvider) Delete(ctx context.Context, key string) error {
	if err := os.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *LocalStorageProvider) Move(ctx context.Context, srcKey, dstKey string) error {
	dst := p.path(dstKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(p.path(srcKey), dst)
}

func (p *LocalStorageProvider) publicPrefix() string {
	if p.Config.PublicPrefix == "" {
		return util.StoragePublicPrefix
	}
	return p.Config.PublicPrefix
}

func (p *LocalStorageProvider) GetURL(key string) string {
	return p.publicPrefix() + key
}

func (p *LocalStorageProvider) KeyFromURL(url string) string {
	return util.StripStoragePrefix(url, p.publicPrefix())
}

// MinioStorageProvider MinIO存储实现
type MinioStorageProvider struct {
	Config *config.StorageConfig
	Client *minio.Client
}

func NewMinioStorageProvider(cfg *config.StorageConfig) (*MinioStorageProvider, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioSecure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStorageProvider{Config: cfg, Client: client}, nil
}

func (p *MinioStorageProvider) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := p.Client.PutObject(ctx, p.Config.MinioBucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (p *MinioStorageProvider) Delete(ctx context.Context, key string) error {
	err := p.Client.RemoveObject(ctx, p.Config.MinioBucket, key, minio.RemoveObjectOptions{})
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return err
}

func (p *MinioStorageProvider) Move(ctx context.Context, srcKey, dstKey string) error {
	_, err := p.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: p.Config.MinioBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: p.Config.MinioBucket, Object: srcKey},
	)
	if err != nil {
		return err
	}
	return p.Delete(ctx, srcKey)
}

func (p *MinioStorageProvider) GetURL(key string) string {
	return "/" + p.Config.MinioBucket + "/" + key
}

func (p *MinioStorageProvider) KeyFromURL(url string) string {
	return util.StripStoragePrefix(url, "/"+p.Config.MinioBucket+"/")
}

// OSSStorageProvider 阿里云OSS存储实现
type OSSStorageProvider struct {
	Config *config.StorageConfig
	Client *oss.Client
}

func NewOSSStorageProvider(cfg *config.StorageConfig) (*OSSStorageProvider, error) {
	client, err := oss.New(cfg.OSSEndpoint, cfg.OSSAccessKey, cfg.OSSSecretKey)
	if err != nil {
		return nil, err
	}
	return &OSSStorageProvider{Config: cfg, Client: client}, nil
}

func (p *OSSStorageProvider) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	bucket, err := p.Client.Bucket(p.Config.OSSBucket)
	if err != nil {
		return err
	}
	return bucket.PutObject(key, reader, oss.ContentType(contentType))
}

func (p *OSSStorageProvider) Delete(ctx context.Context, key string) error {
	bucket, err := p.Client.Bucket(p.Config.OSSBucket)
	if err != nil {
		return err
	}
	return bucket.DeleteObject(key)
}

func (p *OSSStorageProvider) Move(ctx context.Context, srcKey, dstKey string) error {
	bucket, err := p.Client.Bucket(p.Config.OSSBucket)
	if err != nil {
		return err
	}
	if _, err := bucket.CopyObject(srcKey, dstKey); err != nil {
		return err
	}
	return bucket.DeleteObject(srcKey)
}

func (p *OSSStorageProvider) urlPrefix() string {
	return fmt.Sprintf("https://%s.%s/", p.Config.OSSBucket, p.Config.OSSEndpoint)
}

func (p *OSSStorageProvider) GetURL(key string) string {
	return p.urlPrefix() + key
}

func (p *OSSStorageProvider) KeyFromURL(url string) string {
	return util.StripStoragePrefix(url, p.urlPrefix())
}

// StorageService 存储服务，同时实现 Uploader（立即上传/删除）
type StorageService struct {
	Provider     StorageProvider
	MaxFileSize  int64
	StagingDir   string
	AllowedTypes []string
}

func NewStorageService(cfg *config.Config) *StorageService {
	var provider StorageProvider
	switch cfg.Storage.Type {
	case util.StorageMinio:
		p, err := NewMinioStorageProvider(&cfg.Storage)
		if err != nil {
			logger.Log.Warn("Failed to init minio storage, falling back to local", zap.Error(err))
		} else {
			provider = p
		}
	case util.StorageOSS:
		p, err := NewOSSStorageProvider(&cfg.Storage)
		if err != nil {
			logger.Log.Warn("Failed to init oss storage, falling back to local", zap.Error(err))
		} else {
			provider = p
		}
	}

	if provider == nil {
		provider = &LocalStorageProvider{Config: &cfg.Storage}
	}

	svc := NewStorageServiceWithProvider(provider)
	if cfg.Attachments.MaxSizeMB > 0 {
		svc.MaxFileSize = cfg.Attachments.MaxSizeMB << 20
	}
	if cfg.Attachments.StagingDir != "" {
		svc.StagingDir = cfg.Attachments.StagingDir
	}
	return svc
}

func NewStorageServiceWithProvider(provider StorageProvider) *StorageService {
	return &StorageService{
		Provider:     provider,
		MaxFileSize:  5 << 20,
		StagingDir:   "staging",
		AllowedTypes: []string{util.MimeImage},
	}
}

// ObjectKey 生成 folder/<uuid><ext> 形式的对象 key
func (s *StorageService) ObjectKey(folder, filename string) string {
	name := uuid.New().String() + strings.ToLower(filepath.Ext(filename))
	if folder == "" {
		return name
	}
	return path.Join(folder, name)
}

// Save 校验文件类型和大小后写入指定 key
func (s *StorageService) Save(ctx context.Context, key string, file UploadedFile) error {
	if s.MaxFileSize > 0 && file.Size() > s.MaxFileSize {
		return fmt.Errorf("%w: %s (%d bytes)", util.ErrFileTooLarge, file.Filename(), file.Size())
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	head = head[:n]

	contentType, err := util.ValidateMimeType(bytes.NewReader(head), s.AllowedTypes)
	if err != nil {
		return fmt.Errorf("%s: %w", file.Filename(), err)
	}

	return s.Provider.Upload(ctx, key, io.MultiReader(bytes.NewReader(head), src), file.Size(), contentType)
}

func (s *StorageService) Upload(ctx context.Context, file UploadedFile, folder string) (string, error) {
	key := s.ObjectKey(folder, file.Filename())
	if err := s.Save(ctx, key, file); err != nil {
		return "", err
	}
	return s.Provider.GetURL(key), nil
}

func (s *StorageService) Delete(ctx context.Context, url string) error {
	key := s.Provider.KeyFromURL(url)
	if key == "" {
		return nil
	}
	return s.Provider.Delete(ctx, key)
}

func (s *StorageService) Move(ctx context.Context, srcKey, dstKey string) error {
	return s.Provider.Move(ctx, srcKey, dstKey)
}

func (s *StorageService) GetURL(key string) string {
	return s.Provider.GetURL(key)
}
