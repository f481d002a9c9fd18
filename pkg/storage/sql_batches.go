package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

const batchColumns = `id, course_id, requested_by, segment_ids, priority, concurrency, total, completed, failed,
	status, started_at, completed_at, estimated_duration_ms, actual_duration_ms, version, created_at, updated_at`

func scanBatch(row rowScanner) (*models.ProcessingBatch, int64, error) {
	var (
		b                             models.ProcessingBatch
		segmentIDs                    string
		startedAt, completedAt        sql.NullInt64
		estimatedMS, actualMS         int64
		version, createdAt, updatedAt int64
	)
	err := row.Scan(&b.ID, &b.CourseID, &b.RequestedBy, &segmentIDs, &b.Priority, &b.Concurrency,
		&b.Total, &b.Completed, &b.Failed, &b.Status, &startedAt, &completedAt,
		&estimatedMS, &actualMS, &version, &createdAt, &updatedAt)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal([]byte(segmentIDs), &b.SegmentIDs); err != nil {
		return nil, 0, fmt.Errorf("解析批次片段列表失败: %w", err)
	}
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completedAt)
	b.EstimatedDuration = time.Duration(estimatedMS) * time.Millisecond
	b.ActualDuration = time.Duration(actualMS) * time.Millisecond
	b.CreatedAt = fromMicros(createdAt)
	b.UpdatedAt = fromMicros(updatedAt)
	return &b, version, nil
}

// CreateBatch 在一个事务中写入批次和全部成员流水线
func (s *SQLStore) CreateBatch(ctx context.Context, b *models.ProcessingBatch, pipelines []*models.SegmentPipeline) error {
	segmentIDs, err := json.Marshal(b.SegmentIDs)
	if err != nil {
		return fmt.Errorf("序列化批次片段列表失败: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO processing_batches (`+batchColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			b.ID, b.CourseID, b.RequestedBy, string(segmentIDs), string(b.Priority), b.Concurrency,
			b.Total, b.Completed, b.Failed, string(b.Status), nullMicros(b.StartedAt), nullMicros(b.CompletedAt),
			b.EstimatedDuration.Milliseconds(), b.ActualDuration.Milliseconds(),
			micros(b.CreatedAt), micros(b.UpdatedAt))
		if isUniqueViolation(err) {
			return conflict("storage.CreateBatch", fmt.Sprintf("批次已存在: %s", b.ID))
		}
		if err != nil {
			return fmt.Errorf("保存批次失败: %w", err)
		}

		for _, p := range pipelines {
			if err := s.insertPipeline(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatch 获取批次
func (s *SQLStore) GetBatch(ctx context.Context, id string) (*models.ProcessingBatch, error) {
	b, _, err := s.getBatch(ctx, id)
	return b, err
}

func (s *SQLStore) getBatch(ctx context.Context, id string) (*models.ProcessingBatch, int64, error) {
	b, version, err := scanBatch(s.queryRow(ctx, s.db,
		`SELECT `+batchColumns+` FROM processing_batches WHERE id = ?`, id))
	if errNoRows(err) {
		return nil, 0, apperrors.NotFound("storage.GetBatch", fmt.Sprintf("批次不存在: %s", id))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("查询批次失败: %w", err)
	}
	return b, version, nil
}

// UpdateBatch 单次乐观锁写回，版本号变化时返回 ErrConcurrencyConflict，由调用方重新读取
func (s *SQLStore) UpdateBatch(ctx context.Context, id string, fn func(*models.ProcessingBatch) error) (*models.ProcessingBatch, error) {
	current, version, err := s.getBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}

	res, err := s.exec(ctx, s.db, `
		UPDATE processing_batches SET
			completed = ?, failed = ?, status = ?, started_at = ?, completed_at = ?,
			estimated_duration_ms = ?, actual_duration_ms = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		current.Completed, current.Failed, string(current.Status),
		nullMicros(current.StartedAt), nullMicros(current.CompletedAt),
		current.EstimatedDuration.Milliseconds(), current.ActualDuration.Milliseconds(),
		micros(current.UpdatedAt), id, version)
	if err != nil {
		return nil, fmt.Errorf("更新批次失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, conflict("storage.UpdateBatch", fmt.Sprintf("批次 %s 已被并发修改", id))
	}
	return current, nil
}

// latestAttempts 每个片段最新一次尝试的子查询
const latestAttempts = `
	FROM segment_pipelines p
	WHERE p.batch_id = ?
	  AND p.attempt = (
		SELECT MAX(q.attempt) FROM segment_pipelines q
		WHERE q.batch_id = p.batch_id AND q.segment_id = p.segment_id
	  )`

// CountBatchMembers 按每个片段最新一次尝试统计
func (s *SQLStore) CountBatchMembers(ctx context.Context, batchID string) (models.MemberCounts, error) {
	var counts models.MemberCounts
	err := s.queryRow(ctx, s.db, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN p.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN p.status = ? THEN 1 ELSE 0 END), 0)
		`+latestAttempts,
		string(models.StatusCompleted), string(models.StatusFailed), batchID,
	).Scan(&counts.Total, &counts.Completed, &counts.Failed)
	if err != nil {
		return counts, fmt.Errorf("统计批次成员失败: %w", err)
	}
	return counts, nil
}

// ListBatchPipelines 批次成员（每个片段取最新尝试），按批次快照中的片段顺序排列
func (s *SQLStore) ListBatchPipelines(ctx context.Context, batchID string) ([]*models.SegmentPipeline, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+prefixed(pipelineColumns, "p.")+latestAttempts+` ORDER BY p.segment_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("查询批次成员失败: %w", err)
	}
	defer rows.Close()

	var out []*models.SegmentPipeline
	for rows.Next() {
		p, _, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("读取流水线失败: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取流水线失败: %w", err)
	}
	rows.Close()

	b, err := s.GetBatch(ctx, batchID)
	switch {
	case err == nil:
		sortBySnapshot(out, b.SegmentIDs)
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}
	return out, nil
}
