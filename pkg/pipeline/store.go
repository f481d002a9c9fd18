package pipeline

import (
	"context"

	"github.com/z-wentao/courseflow/pkg/models"
)

// Store 流水线存储接口
type Store interface {
	// CreatePipeline 插入新行。RetryOf 相同的两行不能同时存在，冲突时返回 ErrConcurrencyConflict。
	CreatePipeline(ctx context.Context, p *models.SegmentPipeline) error

	// GetPipeline 不存在时返回 ErrNotFound
	GetPipeline(ctx context.Context, id string) (*models.SegmentPipeline, error)

	// UpdatePipeline 读取、执行 fn、写回（使用回调函数模式）。
	// 写回以读取时的 status 为条件（CAS），期间被其他调用方修改则返回 ErrConcurrencyConflict。
	// fn 返回错误时不写回。
	UpdatePipeline(ctx context.Context, id string, fn func(*models.SegmentPipeline) error) (*models.SegmentPipeline, error)
}
