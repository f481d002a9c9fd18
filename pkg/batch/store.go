package batch

import (
	"context"

	"github.com/z-wentao/courseflow/pkg/models"
)

// Store 批次存储接口
type Store interface {
	// CreateBatch 在同一个事务中写入批次和全部成员流水线
	CreateBatch(ctx context.Context, b *models.ProcessingBatch, pipelines []*models.SegmentPipeline) error

	// GetBatch 不存在时返回 ErrNotFound
	GetBatch(ctx context.Context, id string) (*models.ProcessingBatch, error)

	// UpdateBatch 以读取时的 status 为条件写回，被并发修改时返回 ErrConcurrencyConflict。
	// fn 返回错误时不写回。
	UpdateBatch(ctx context.Context, id string, fn func(*models.ProcessingBatch) error) (*models.ProcessingBatch, error)

	// CountBatchMembers 按每个片段最新的一次尝试统计 completed/failed
	CountBatchMembers(ctx context.Context, batchID string) (models.MemberCounts, error)

	// ListBatchPipelines 每个片段最新的一次尝试
	ListBatchPipelines(ctx context.Context, batchID string) ([]*models.SegmentPipeline, error)
}

// ProgressCache 批次进度读缓存，可选
type ProgressCache interface {
	GetProgress(ctx context.Context, batchID string) (*Progress, bool, error)
	SetProgress(ctx context.Context, p *Progress) error
	InvalidateProgress(ctx context.Context, batchID string) error
}
