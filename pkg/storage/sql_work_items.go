package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

const workItemColumns = `id, queue, segment_id, pipeline_id, batch_id, media_id, course_id,
	priority, available_at, reserved_at, reservation_id, attempts, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var (
		item          models.WorkItem
		availableAt   int64
		createdAt     int64
		reservedAt    sql.NullInt64
		reservationID sql.NullString
	)
	err := row.Scan(&item.ID, &item.Queue, &item.SegmentID, &item.PipelineID, &item.BatchID,
		&item.MediaID, &item.CourseID, &item.Priority, &availableAt, &reservedAt,
		&reservationID, &item.Attempts, &createdAt)
	if err != nil {
		return nil, err
	}
	item.AvailableAt = fromMicros(availableAt)
	item.CreatedAt = fromMicros(createdAt)
	item.ReservedAt = timePtr(reservedAt)
	item.ReservationID = reservationID.String
	return &item, nil
}

// InsertWorkItem 插入工作单元
func (s *SQLStore) InsertWorkItem(ctx context.Context, item *models.WorkItem) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO work_items (id, queue, segment_id, pipeline_id, batch_id, media_id, course_id,
			priority, available_at, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Queue, item.SegmentID, item.PipelineID, item.BatchID, item.MediaID, item.CourseID,
		item.Priority, micros(item.AvailableAt), item.Attempts, micros(item.CreatedAt))
	if isUniqueViolation(err) {
		return conflict("storage.InsertWorkItem", "work item "+item.ID+" already exists")
	}
	if err != nil {
		return fmt.Errorf("插入工作单元失败: %w", err)
	}
	return nil
}

// ClaimWorkItem 单条 UPDATE ... RETURNING 完成选择和预留
// PostgreSQL 下子查询使用 FOR UPDATE SKIP LOCKED，并发领取者跳过彼此锁定的行；
// SQLite 的写操作本身串行执行。
func (s *SQLStore) ClaimWorkItem(ctx context.Context, queue string, now, staleBefore time.Time, reservationID string) (*models.WorkItem, error) {
	query := `
		UPDATE work_items
		SET reserved_at = ?, reservation_id = ?, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM work_items
			WHERE queue = ?
			  AND available_at <= ?
			  AND (reserved_at IS NULL OR reserved_at <= ?)
			ORDER BY priority DESC, available_at ASC, seq ASC
			LIMIT 1 ` + s.d.lockRows + `
		)
		RETURNING ` + workItemColumns

	item, err := scanWorkItem(s.queryRow(ctx, s.db, query,
		micros(now), reservationID, queue, micros(now), micros(staleBefore)))
	if errNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("领取工作单元失败: %w", err)
	}
	return item, nil
}

// DeleteWorkItem 仅当预留令牌仍匹配时删除
func (s *SQLStore) DeleteWorkItem(ctx context.Context, id, reservationID string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM work_items WHERE id = ? AND reservation_id = ?`, id, reservationID)
	if err != nil {
		return fmt.Errorf("删除工作单元失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.E("queue.Ack", apperrors.ErrStaleReservation, "reservation no longer held", nil)
	}
	return nil
}

// ReleaseWorkItem 清除预留并推迟可见时间
func (s *SQLStore) ReleaseWorkItem(ctx context.Context, id, reservationID string, availableAt time.Time) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE work_items
		SET reserved_at = NULL, reservation_id = NULL, available_at = ?,
			attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END
		WHERE id = ? AND reservation_id = ? AND reserved_at IS NOT NULL`,
		micros(availableAt), id, reservationID)
	if err != nil {
		return fmt.Errorf("释放工作单元失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.E("queue.Release", apperrors.ErrStaleReservation, "reservation no longer held", nil)
	}
	return nil
}

// PurgeBatchWorkItems 在事务内选出批次中未被有效预留的工作单元并删除
func (s *SQLStore) PurgeBatchWorkItems(ctx context.Context, batchID string, staleBefore func(queue string) time.Time) ([]*models.WorkItem, error) {
	var purged []*models.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		lock := ""
		if s.d.name == "postgres" {
			lock = "FOR UPDATE"
		}
		rows, err := s.query(ctx, tx, `SELECT `+workItemColumns+` FROM work_items WHERE batch_id = ? `+lock, batchID)
		if err != nil {
			return fmt.Errorf("查询批次工作单元失败: %w", err)
		}
		var candidates []*models.WorkItem
		for rows.Next() {
			item, err := scanWorkItem(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("读取工作单元失败: %w", err)
			}
			if item.ReservedAt != nil && item.ReservedAt.After(staleBefore(item.Queue)) {
				continue // 已领取，允许完成
			}
			candidates = append(candidates, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, item := range candidates {
			if _, err := s.exec(ctx, tx, `DELETE FROM work_items WHERE id = ?`, item.ID); err != nil {
				return fmt.Errorf("删除工作单元失败: %w", err)
			}
		}
		purged = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

// QueueStats 按 Reserved > Delayed > Ready 的顺序归类
func (s *SQLStore) QueueStats(ctx context.Context, queue string, now, staleBefore time.Time) (models.QueueStats, error) {
	stats := models.QueueStats{Queue: queue}
	err := s.queryRow(ctx, s.db, `
		SELECT
			COALESCE(SUM(CASE WHEN reserved_at IS NOT NULL AND reserved_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN (reserved_at IS NULL OR reserved_at <= ?) AND available_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN (reserved_at IS NULL OR reserved_at <= ?) AND available_at <= ? THEN 1 ELSE 0 END), 0)
		FROM work_items WHERE queue = ?`,
		micros(staleBefore), micros(staleBefore), micros(now), micros(staleBefore), micros(now), queue,
	).Scan(&stats.Reserved, &stats.Delayed, &stats.Ready)
	if err != nil {
		return stats, fmt.Errorf("统计队列失败: %w", err)
	}
	return stats, nil
}
