package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/config"
)

// NewRedisClient 创建 Redis 客户端并测试连接
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,     // Redis 地址，如 "localhost:6379"
		Password: cfg.Password, // 密码，无密码留空
		DB:       cfg.DB,       // 数据库编号，默认 0
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// RedisProgressCache 批次进度缓存，批次每次重新计数后失效
type RedisProgressCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisProgressCache 创建进度缓存
func NewRedisProgressCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisProgressCache {
	if prefix == "" {
		prefix = "courseflow"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisProgressCache{client: client, prefix: prefix, ttl: ttl}
}

// progressKey 格式: "{prefix}:batch:{batchID}:progress"
func (c *RedisProgressCache) progressKey(batchID string) string {
	return fmt.Sprintf("%s:batch:%s:progress", c.prefix, batchID)
}

// GetProgress 未命中时返回 nil, false, nil
func (c *RedisProgressCache) GetProgress(ctx context.Context, batchID string) (*batch.Progress, bool, error) {
	data, err := c.client.Get(ctx, c.progressKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("从 Redis 获取进度失败: %w", err)
	}

	var p batch.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("反序列化进度失败: %w", err)
	}
	return &p, true, nil
}

// SetProgress 写入进度快照
func (c *RedisProgressCache) SetProgress(ctx context.Context, p *batch.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("序列化进度失败: %w", err)
	}
	if err := c.client.Set(ctx, c.progressKey(p.BatchID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("保存进度到 Redis 失败: %w", err)
	}
	return nil
}

// InvalidateProgress 删除缓存的进度
func (c *RedisProgressCache) InvalidateProgress(ctx context.Context, batchID string) error {
	if err := c.client.Del(ctx, c.progressKey(batchID)).Err(); err != nil {
		return fmt.Errorf("删除 Redis 进度失败: %w", err)
	}
	return nil
}

// RedisDownloadGate 基于 SET NX 的媒体下载门闩
// 最终以持久化存储中的活跃记录为准。
type RedisDownloadGate struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisDownloadGate ttl 应不短于下载超时判定阈值
func NewRedisDownloadGate(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDownloadGate {
	if prefix == "" {
		prefix = "courseflow"
	}
	return &RedisDownloadGate{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisDownloadGate) key(mediaID string) string {
	return fmt.Sprintf("%s:download:%s:active", g.prefix, mediaID)
}

// Acquire 抢占门闩，owner 一般为下载记录 ID
func (g *RedisDownloadGate) Acquire(ctx context.Context, mediaID, owner string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(mediaID), owner, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 抢占下载门闩失败: %w", err)
	}
	return ok, nil
}

// Takeover 持久化存储确认没有活跃记录时覆盖残留的门闩
func (g *RedisDownloadGate) Takeover(ctx context.Context, mediaID, owner string) error {
	if err := g.client.Set(ctx, g.key(mediaID), owner, g.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 覆盖下载门闩失败: %w", err)
	}
	return nil
}

// Release 释放门闩
func (g *RedisDownloadGate) Release(ctx context.Context, mediaID string) error {
	if err := g.client.Del(ctx, g.key(mediaID)).Err(); err != nil {
		return fmt.Errorf("Redis 释放下载门闩失败: %w", err)
	}
	return nil
}
