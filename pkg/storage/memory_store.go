package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
)

// MemoryStore 内存存储，单进程部署和测试使用
// 使用 RWMutex 保证并发安全；读写都返回副本，调用方拿到的对象不会被共享修改。
type MemoryStore struct {
	*queue.MemoryStore

	mu        sync.RWMutex
	pipelines map[string]*models.SegmentPipeline
	retried   map[string]string // retry_of -> pipeline id
	batches   map[string]*models.ProcessingBatch
	downloads map[string][]*models.DownloadRecord // media id -> 按时间排列的记录
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: queue.NewMemoryStore(),
		pipelines:   make(map[string]*models.SegmentPipeline),
		retried:     make(map[string]string),
		batches:     make(map[string]*models.ProcessingBatch),
		downloads:   make(map[string][]*models.DownloadRecord),
	}
}

// CreatePipeline 保存新流水线
func (s *MemoryStore) CreatePipeline(ctx context.Context, p *models.SegmentPipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPipelineLocked(p)
}

func (s *MemoryStore) insertPipelineLocked(p *models.SegmentPipeline) error {
	const op = "storage.CreatePipeline"
	if _, exists := s.pipelines[p.ID]; exists {
		return apperrors.E(op, apperrors.ErrConcurrencyConflict, fmt.Sprintf("流水线已存在: %s", p.ID), nil)
	}
	if p.RetryOf != "" {
		if other, exists := s.retried[p.RetryOf]; exists {
			return apperrors.E(op, apperrors.ErrConcurrencyConflict,
				fmt.Sprintf("流水线 %s 已被重试为 %s", p.RetryOf, other), nil)
		}
		s.retried[p.RetryOf] = p.ID
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

// GetPipeline 获取流水线
func (s *MemoryStore) GetPipeline(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pipelines[id]
	if !exists {
		return nil, apperrors.NotFound("storage.GetPipeline", fmt.Sprintf("流水线不存在: %s", id))
	}
	return p.Clone(), nil
}

// UpdatePipeline 更新流水线（使用回调函数模式），整个读改写在锁内完成
func (s *MemoryStore) UpdatePipeline(ctx context.Context, id string, fn func(*models.SegmentPipeline) error) (*models.SegmentPipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pipelines[id]
	if !exists {
		return nil, apperrors.NotFound("storage.UpdatePipeline", fmt.Sprintf("流水线不存在: %s", id))
	}
	work := p.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.pipelines[id] = work
	return work.Clone(), nil
}

// CreateBatch 原子地保存批次及其成员流水线
func (s *MemoryStore) CreateBatch(ctx context.Context, b *models.ProcessingBatch, pipelines []*models.SegmentPipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; exists {
		return apperrors.E("storage.CreateBatch", apperrors.ErrConcurrencyConflict, fmt.Sprintf("批次已存在: %s", b.ID), nil)
	}
	for _, p := range pipelines {
		if _, exists := s.pipelines[p.ID]; exists {
			return apperrors.E("storage.CreateBatch", apperrors.ErrConcurrencyConflict, fmt.Sprintf("流水线已存在: %s", p.ID), nil)
		}
	}
	for _, p := range pipelines {
		s.pipelines[p.ID] = p.Clone()
	}
	s.batches[b.ID] = b.Clone()
	return nil
}

// GetBatch 获取批次
func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*models.ProcessingBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.batches[id]
	if !exists {
		return nil, apperrors.NotFound("storage.GetBatch", fmt.Sprintf("批次不存在: %s", id))
	}
	return b.Clone(), nil
}

// UpdateBatch 更新批次
func (s *MemoryStore) UpdateBatch(ctx context.Context, id string, fn func(*models.ProcessingBatch) error) (*models.ProcessingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.batches[id]
	if !exists {
		return nil, apperrors.NotFound("storage.UpdateBatch", fmt.Sprintf("批次不存在: %s", id))
	}
	work := b.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.batches[id] = work
	return work.Clone(), nil
}

// CountBatchMembers 统计批次成员（每个片段取最新尝试）
func (s *MemoryStore) CountBatchMembers(ctx context.Context, batchID string) (models.MemberCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts models.MemberCounts
	for _, p := range s.latestLocked(batchID) {
		counts.Total++
		switch p.Status {
		case models.StatusCompleted:
			counts.Completed++
		case models.StatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// ListBatchPipelines 批次成员（每个片段取最新尝试），按批次快照中的片段顺序排列
func (s *MemoryStore) ListBatchPipelines(ctx context.Context, batchID string) ([]*models.SegmentPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latestLocked(batchID)
	out := make([]*models.SegmentPipeline, 0, len(latest))
	for _, p := range latest {
		out = append(out, p.Clone())
	}
	var snapshot []string
	if b, ok := s.batches[batchID]; ok {
		snapshot = b.SegmentIDs
	}
	sortBySnapshot(out, snapshot)
	return out, nil
}

func (s *MemoryStore) latestLocked(batchID string) map[string]*models.SegmentPipeline {
	latest := make(map[string]*models.SegmentPipeline)
	for _, p := range s.pipelines {
		if p.BatchID != batchID {
			continue
		}
		if cur, ok := latest[p.SegmentID]; !ok || p.Attempt > cur.Attempt {
			latest[p.SegmentID] = p
		}
	}
	return latest
}

// CreateDownloadIfAbsent 锁内检查并插入
func (s *MemoryStore) CreateDownloadIfAbsent(ctx context.Context, rec *models.DownloadRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeDownloadLocked(rec.MediaID) != nil {
		return false, nil
	}
	s.downloads[rec.MediaID] = append(s.downloads[rec.MediaID], rec.Clone())
	return true, nil
}

// TransitionDownload 修改活跃的下载记录
func (s *MemoryStore) TransitionDownload(ctx context.Context, mediaID string, from []models.DownloadStatus, fn func(*models.DownloadRecord)) (*models.DownloadRecord, error) {
	const op = "storage.TransitionDownload"
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.activeDownloadLocked(mediaID)
	if rec == nil {
		return nil, apperrors.NotFound(op, fmt.Sprintf("没有进行中的下载: %s", mediaID))
	}
	if !statusIn(rec.Status, from) {
		return nil, apperrors.E(op, apperrors.ErrInvalidTransition,
			fmt.Sprintf("download %s is %s", mediaID, rec.Status), nil)
	}
	fn(rec)
	return rec.Clone(), nil
}

// FailStaleDownloads 标记超时的 processing 记录
func (s *MemoryStore) FailStaleDownloads(ctx context.Context, startedBefore, now time.Time, reason string) ([]*models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []*models.DownloadRecord
	for mediaID := range s.downloads {
		rec := s.activeDownloadLocked(mediaID)
		if rec == nil || rec.Status != models.DownloadProcessing || rec.StartedAt == nil {
			continue
		}
		if !rec.StartedAt.Before(startedBefore) {
			continue
		}
		failStale(rec, now, reason)
		swept = append(swept, rec.Clone())
	}
	return swept, nil
}

// GetDownload 该媒体最近的一条下载记录
func (s *MemoryStore) GetDownload(ctx context.Context, mediaID string) (*models.DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.downloads[mediaID]
	if len(history) == 0 {
		return nil, apperrors.NotFound("storage.GetDownload", fmt.Sprintf("下载记录不存在: %s", mediaID))
	}
	return history[len(history)-1].Clone(), nil
}

func (s *MemoryStore) activeDownloadLocked(mediaID string) *models.DownloadRecord {
	history := s.downloads[mediaID]
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if !last.Status.IsActive() {
		return nil
	}
	return last
}

// Close 内存存储无需关闭
func (s *MemoryStore) Close() error {
	return nil
}

func statusIn(s models.DownloadStatus, set []models.DownloadStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func failStale(rec *models.DownloadRecord, now time.Time, reason string) {
	rec.Status = models.DownloadFailed
	rec.ErrorMessage = reason
	t := now
	rec.CompletedAt = &t
}
