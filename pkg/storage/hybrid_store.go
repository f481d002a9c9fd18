package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/models"
)

// downloadGate HybridDownloadStore 使用的门闩
type downloadGate interface {
	Acquire(ctx context.Context, mediaID, owner string) (bool, error)
	Takeover(ctx context.Context, mediaID, owner string) error
	Release(ctx context.Context, mediaID string) error
}

// HybridDownloadStore 混合存储：Redis 门闩（快速去重） + 数据库（持久化）
// Redis 不可用时直接降级到数据库，部分唯一索引仍然保证每个媒体只有一条活跃记录。
type HybridDownloadStore struct {
	gate downloadGate
	db   download.Store
	log  logrus.FieldLogger
}

// NewHybridDownloadStore 创建混合下载存储
func NewHybridDownloadStore(gate downloadGate, db download.Store, log logrus.FieldLogger) *HybridDownloadStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HybridDownloadStore{gate: gate, db: db, log: log}
}

// CreateDownloadIfAbsent 先抢 Redis 门闩，再写数据库
func (s *HybridDownloadStore) CreateDownloadIfAbsent(ctx context.Context, rec *models.DownloadRecord) (bool, error) {
	entry := s.log.WithField("media_id", rec.MediaID)

	ok, err := s.gate.Acquire(ctx, rec.MediaID, rec.ID)
	if err != nil {
		entry.WithError(err).Warn("Redis 门闩不可用，降级到数据库")
		return s.db.CreateDownloadIfAbsent(ctx, rec)
	}

	if !ok {
		// 门闩被占用：确认数据库中是否真的有活跃记录，门闩可能是崩溃后残留的
		latest, err := s.db.GetDownload(ctx, rec.MediaID)
		switch {
		case err == nil && latest.Status.IsActive():
			return false, nil
		case err != nil && !errors.Is(err, apperrors.ErrNotFound):
			return false, err
		}
		entry.Info("清理残留的下载门闩")
		if err := s.gate.Takeover(ctx, rec.MediaID, rec.ID); err != nil {
			entry.WithError(err).Warn("覆盖下载门闩失败")
		}
	}

	created, err := s.db.CreateDownloadIfAbsent(ctx, rec)
	if err != nil {
		s.release(ctx, rec.MediaID)
		return false, err
	}
	return created, nil
}

// TransitionDownload 写数据库，进入终态后释放门闩
func (s *HybridDownloadStore) TransitionDownload(ctx context.Context, mediaID string, from []models.DownloadStatus, fn func(*models.DownloadRecord)) (*models.DownloadRecord, error) {
	rec, err := s.db.TransitionDownload(ctx, mediaID, from, fn)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsActive() {
		s.release(ctx, mediaID)
	}
	return rec, nil
}

// FailStaleDownloads 清理超时记录并释放对应门闩
func (s *HybridDownloadStore) FailStaleDownloads(ctx context.Context, startedBefore, now time.Time, reason string) ([]*models.DownloadRecord, error) {
	swept, err := s.db.FailStaleDownloads(ctx, startedBefore, now, reason)
	if err != nil {
		return nil, err
	}
	for _, rec := range swept {
		s.release(ctx, rec.MediaID)
	}
	return swept, nil
}

// GetDownload 直接读数据库
func (s *HybridDownloadStore) GetDownload(ctx context.Context, mediaID string) (*models.DownloadRecord, error) {
	return s.db.GetDownload(ctx, mediaID)
}

func (s *HybridDownloadStore) release(ctx context.Context, mediaID string) {
	if err := s.gate.Release(ctx, mediaID); err != nil {
		s.log.WithError(err).WithField("media_id", mediaID).Warn("释放下载门闩失败")
	}
}
