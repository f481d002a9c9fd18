// Package download 外部媒体下载的去重与并发控制：同一媒体同一时间最多一个进行中的下载
package download

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
)

// StaleReason 被清扫的下载记录的失败原因
const StaleReason = "stale: worker presumed dead"

// Enqueuer 调度器中下载用到的部分
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, p queue.Payload, priority models.Priority, notBefore time.Time) (*models.WorkItem, error)
}

// Controller 下载去重控制器
type Controller struct {
	store     Store
	scheduler Enqueuer
	log       logrus.FieldLogger
	now       func() time.Time
}

type Option func(*Controller)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController 创建控制器。scheduler 可以为 nil，此时只能使用 TryAcquire。
func NewController(store Store, scheduler Enqueuer, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		scheduler: scheduler,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAcquire 并发闸门：该媒体没有 queued/processing 记录时创建 queued 记录并返回 true。
// 返回 false 表示已有进行中的下载，调用方直接跳过即可。
func (c *Controller) TryAcquire(ctx context.Context, mediaID, courseID string) (bool, error) {
	const op = "download.TryAcquire"
	if strings.TrimSpace(mediaID) == "" {
		return false, apperrors.InvalidInput(op, "media_id is required")
	}

	rec := &models.DownloadRecord{
		ID:       uuid.New().String(),
		MediaID:  mediaID,
		CourseID: courseID,
		Status:   models.DownloadQueued,
		QueuedAt: c.now().UTC(),
	}
	ok, err := c.store.CreateDownloadIfAbsent(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		c.log.WithField("media_id", mediaID).Debug("已有进行中的下载，跳过")
	}
	return ok, nil
}

// Request 通过闸门后入队下载任务。已有进行中的下载时返回 ErrConcurrencyConflict。
func (c *Controller) Request(ctx context.Context, mediaID, courseID string, priority models.Priority) (*models.DownloadRecord, error) {
	const op = "download.Request"
	if c.scheduler == nil {
		return nil, apperrors.E(op, apperrors.ErrBackendUnavailable, "scheduler not configured", nil)
	}

	ok, err := c.TryAcquire(ctx, mediaID, courseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.E(op, apperrors.ErrConcurrencyConflict,
			fmt.Sprintf("download already in flight for media %s", mediaID), nil)
	}

	_, err = c.scheduler.Enqueue(ctx, models.QueueMediaDownload, queue.Payload{
		MediaID:  mediaID,
		CourseID: courseID,
	}, priority, time.Time{})
	if err != nil {
		// 入队失败要释放名额，否则该媒体要等清扫才能再次下载
		if _, ferr := c.MarkFailed(ctx, mediaID, "enqueue failed: "+err.Error()); ferr != nil {
			c.log.WithError(ferr).WithField("media_id", mediaID).Error("释放下载名额失败")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.log.WithFields(logrus.Fields{"media_id": mediaID, "course_id": courseID}).Info("下载已入队")
	return c.store.GetDownload(ctx, mediaID)
}

// MarkStarted queued -> processing
func (c *Controller) MarkStarted(ctx context.Context, mediaID string) (*models.DownloadRecord, error) {
	now := c.now().UTC()
	return c.store.TransitionDownload(ctx, mediaID, []models.DownloadStatus{models.DownloadQueued}, func(r *models.DownloadRecord) {
		r.Status = models.DownloadProcessing
		started := now
		r.StartedAt = &started
		r.Attempts++
	})
}

// MarkCompleted processing -> completed
func (c *Controller) MarkCompleted(ctx context.Context, mediaID string) (*models.DownloadRecord, error) {
	now := c.now().UTC()
	rec, err := c.store.TransitionDownload(ctx, mediaID, []models.DownloadStatus{models.DownloadProcessing}, func(r *models.DownloadRecord) {
		r.Status = models.DownloadCompleted
		finished := now
		r.CompletedAt = &finished
	})
	if err != nil {
		return nil, err
	}
	c.log.WithField("media_id", mediaID).Info("下载完成")
	return rec, nil
}

// MarkFailed queued|processing -> failed，释放该媒体的名额
func (c *Controller) MarkFailed(ctx context.Context, mediaID, reason string) (*models.DownloadRecord, error) {
	now := c.now().UTC()
	rec, err := c.store.TransitionDownload(ctx, mediaID,
		[]models.DownloadStatus{models.DownloadQueued, models.DownloadProcessing},
		func(r *models.DownloadRecord) {
			r.Status = models.DownloadFailed
			r.ErrorMessage = reason
			finished := now
			r.CompletedAt = &finished
		})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"media_id": mediaID, "reason": reason}).Warn("下载失败")
	return rec, nil
}

// Get 该媒体最近的下载记录
func (c *Controller) Get(ctx context.Context, mediaID string) (*models.DownloadRecord, error) {
	return c.store.GetDownload(ctx, mediaID)
}

// SweepStale 把 processing 超过 olderThanMinutes 分钟的记录置为 failed，
// 这是没有心跳协议时回收崩溃 Worker 名额的唯一途径
func (c *Controller) SweepStale(ctx context.Context, olderThanMinutes int) (int, error) {
	const op = "download.SweepStale"
	if olderThanMinutes <= 0 {
		return 0, apperrors.InvalidInput(op, "threshold must be positive")
	}

	now := c.now().UTC()
	cutoff := now.Add(-time.Duration(olderThanMinutes) * time.Minute)
	swept, err := c.store.FailStaleDownloads(ctx, cutoff, now, StaleReason)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	for _, rec := range swept {
		c.log.WithFields(logrus.Fields{
			"media_id":   rec.MediaID,
			"started_at": rec.StartedAt,
		}).Warn("回收超时的下载记录")
	}
	return len(swept), nil
}

// RunSweeper 定期清扫，直到 ctx 取消
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration, olderThanMinutes int) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.WithFields(logrus.Fields{
		"interval":      interval.String(),
		"stale_minutes": olderThanMinutes,
	}).Info("下载清扫已启动")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("下载清扫已停止")
			return
		case <-ticker.C:
			if _, err := c.SweepStale(ctx, olderThanMinutes); err != nil && !errors.Is(err, context.Canceled) {
				c.log.WithError(err).Error("下载清扫失败")
			}
		}
	}
}
