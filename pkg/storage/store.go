package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/config"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/queue"
)

// Store 全部持久化接口的组合，MemoryStore 和 SQLStore 都实现了它
type Store interface {
	queue.Store
	pipeline.Store
	batch.Store
	download.Store
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// Backends 按配置组装好的存储
type Backends struct {
	Store     Store
	Downloads download.Store      // 启用 Redis 时为 HybridDownloadStore
	Progress  batch.ProgressCache // 未启用 Redis 时为 nil

	redis *redis.Client
}

// Open 根据配置打开存储
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Backends, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Storage.Driver {
	case "memory":
		store = NewMemoryStore()
	case "sqlite":
		store, err = OpenSQLite(cfg.Storage.DSN)
	case "postgres":
		store, err = OpenPostgres(cfg.Storage.DSN, SQLOptions{
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MaxIdleConns,
		})
	default:
		err = fmt.Errorf("不支持的存储类型: %s", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("driver", cfg.Storage.Driver).Info("存储初始化成功")

	b := &Backends{Store: store, Downloads: store}
	if !cfg.Redis.Enabled {
		return b, nil
	}

	client, err := NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		store.Close()
		return nil, err
	}
	b.redis = client
	b.Progress = NewRedisProgressCache(client, cfg.Redis.KeyPrefix, cfg.Redis.ProgressTTL)
	gate := NewRedisDownloadGate(client, cfg.Redis.KeyPrefix, cfg.Download.StaleThreshold())
	b.Downloads = NewHybridDownloadStore(gate, store, log)
	log.WithField("addr", cfg.Redis.Addr).Info("Redis 初始化成功")
	return b, nil
}

// Close 关闭 Redis 和数据库连接
func (b *Backends) Close() error {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			return fmt.Errorf("关闭 Redis 失败: %w", err)
		}
	}
	return b.Store.Close()
}

// sortBySnapshot 按 segmentIDs 中的位置排列成员，不在快照中的排在最后并保持原顺序
func sortBySnapshot(members []*models.SegmentPipeline, segmentIDs []string) {
	index := make(map[string]int, len(segmentIDs))
	for i, id := range segmentIDs {
		index[id] = i
	}
	pos := func(p *models.SegmentPipeline) int {
		if i, ok := index[p.SegmentID]; ok {
			return i
		}
		return len(segmentIDs)
	}
	sort.SliceStable(members, func(i, j int) bool {
		return pos(members[i]) < pos(members[j])
	})
}
