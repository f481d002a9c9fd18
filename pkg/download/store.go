package download

import (
	"context"
	"time"

	"github.com/z-wentao/courseflow/pkg/models"
)

// Store 下载记录存储接口
type Store interface {
	// CreateDownloadIfAbsent 仅当该媒体没有 queued/processing 记录时插入，
	// 检查与插入必须是一个原子操作。已存在时返回 false, nil。
	CreateDownloadIfAbsent(ctx context.Context, rec *models.DownloadRecord) (bool, error)

	// TransitionDownload 修改该媒体当前活跃（queued/processing）的记录。
	// 没有活跃记录返回 ErrNotFound，状态不在 from 中返回 ErrInvalidTransition。
	TransitionDownload(ctx context.Context, mediaID string, from []models.DownloadStatus, fn func(*models.DownloadRecord)) (*models.DownloadRecord, error)

	// FailStaleDownloads 把 StartedAt 早于 startedBefore 的 processing 记录标记为 failed
	FailStaleDownloads(ctx context.Context, startedBefore, now time.Time, reason string) ([]*models.DownloadRecord, error)

	// GetDownload 该媒体最近的一条记录，不存在时返回 ErrNotFound
	GetDownload(ctx context.Context, mediaID string) (*models.DownloadRecord, error)
}
