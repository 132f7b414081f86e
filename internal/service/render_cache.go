package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RenderCache 缓存单个试卷的渲染结果，按 (试卷, revision, 可见范围) 区分
// 读取方只会命中与自己看到的 revision 相同的条目，旧版本条目由 TTL 回收
type RenderCache interface {
	Get(ctx context.Context, testID string, revision int64, audience string) (*TestView, bool, error)
	Set(ctx context.Context, testID string, revision int64, audience string, view *TestView) error
	Invalidate(ctx context.Context, testID string) error
}

type RedisRenderCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRenderCache(client *redis.Client, ttl time.Duration) *RedisRenderCache {
	return &RedisRenderCache{client: client, ttl: ttl}
}

func renderCacheKey(testID string, revision int64, audience string) string {
	return fmt.Sprintf("test_tree:%s:%d:%s", testID, revision, audience)
}

func (c *RedisRenderCache) Get(ctx context.Context, testID string, revision int64, audience string) (*TestView, bool, error) {
	data, err := c.client.Get(ctx, renderCacheKey(testID, revision, audience)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var view TestView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, false, err
	}
	return &view, true, nil
}

func (c *RedisRenderCache) Set(ctx context.Context, testID string, revision int64, audience string, view *TestView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, renderCacheKey(testID, revision, audience), data, c.ttl).Err()
}

// Invalidate 删除该试卷所有版本的缓存
func (c *RedisRenderCache) Invalidate(ctx context.Context, testID string) error {
	var keys []string
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("test_tree:%s:*", testID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// NoopRenderCache 关闭缓存时使用
type NoopRenderCache struct{}

func (NoopRenderCache) Get(ctx context.Context, testID string, revision int64, audience string) (*TestView, bool, error) {
	return nil, false, nil
}

func (NoopRenderCache) Set(ctx context.Context, testID string, revision int64, audience string, view *TestView) error {
	return nil
}

func (NoopRenderCache) Invalidate(ctx context.Context, testID string) error {
	return nil
}
