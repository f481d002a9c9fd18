package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

const downloadColumns = `id, media_id, course_id, status, queued_at, started_at, completed_at, error_message, attempts`

func scanDownload(row rowScanner) (*models.DownloadRecord, error) {
	var (
		rec                    models.DownloadRecord
		queuedAt               int64
		startedAt, completedAt sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.MediaID, &rec.CourseID, &rec.Status, &queuedAt, &startedAt,
		&completedAt, &rec.ErrorMessage, &rec.Attempts)
	if err != nil {
		return nil, err
	}
	rec.QueuedAt = fromMicros(queuedAt)
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	return &rec, nil
}

// CreateDownloadIfAbsent 依赖 idx_downloads_active 部分唯一索引完成原子的检查并插入
func (s *SQLStore) CreateDownloadIfAbsent(ctx context.Context, rec *models.DownloadRecord) (bool, error) {
	res, err := s.exec(ctx, s.db, `
		INSERT INTO download_records (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.MediaID, rec.CourseID, string(rec.Status), micros(rec.QueuedAt),
		nullMicros(rec.StartedAt), nullMicros(rec.CompletedAt), rec.ErrorMessage, rec.Attempts)
	if err != nil {
		return false, fmt.Errorf("创建下载记录失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("创建下载记录失败: %w", err)
	}
	return n == 1, nil
}

// TransitionDownload 在事务中修改当前活跃的记录
func (s *SQLStore) TransitionDownload(ctx context.Context, mediaID string, from []models.DownloadStatus, fn func(*models.DownloadRecord)) (*models.DownloadRecord, error) {
	const op = "storage.TransitionDownload"
	var updated *models.DownloadRecord

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		lock := ""
		if s.d.name == "postgres" {
			lock = "FOR UPDATE"
		}
		rec, err := scanDownload(s.queryRow(ctx, tx, `
			SELECT `+downloadColumns+` FROM download_records
			WHERE media_id = ? AND status IN (?, ?) `+lock,
			mediaID, string(models.DownloadQueued), string(models.DownloadProcessing)))
		if errNoRows(err) {
			return apperrors.NotFound(op, fmt.Sprintf("没有进行中的下载: %s", mediaID))
		}
		if err != nil {
			return fmt.Errorf("查询下载记录失败: %w", err)
		}
		if !statusIn(rec.Status, from) {
			return apperrors.E(op, apperrors.ErrInvalidTransition,
				fmt.Sprintf("download %s is %s", mediaID, rec.Status), nil)
		}

		fn(rec)
		_, err = s.exec(ctx, tx, `
			UPDATE download_records
			SET status = ?, started_at = ?, completed_at = ?, error_message = ?, attempts = ?
			WHERE id = ?`,
			string(rec.Status), nullMicros(rec.StartedAt), nullMicros(rec.CompletedAt),
			rec.ErrorMessage, rec.Attempts, rec.ID)
		if err != nil {
			return fmt.Errorf("更新下载记录失败: %w", err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FailStaleDownloads 单条 UPDATE ... RETURNING 标记超时记录
func (s *SQLStore) FailStaleDownloads(ctx context.Context, startedBefore, now time.Time, reason string) ([]*models.DownloadRecord, error) {
	rows, err := s.query(ctx, s.db, `
		UPDATE download_records
		SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		RETURNING `+downloadColumns,
		string(models.DownloadFailed), reason, micros(now),
		string(models.DownloadProcessing), micros(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("清理超时下载失败: %w", err)
	}
	defer rows.Close()

	var swept []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("读取下载记录失败: %w", err)
		}
		swept = append(swept, rec)
	}
	return swept, rows.Err()
}

// GetDownload 该媒体最近的一条记录
func (s *SQLStore) GetDownload(ctx context.Context, mediaID string) (*models.DownloadRecord, error) {
	rec, err := scanDownload(s.queryRow(ctx, s.db, `
		SELECT `+downloadColumns+` FROM download_records
		WHERE media_id = ? ORDER BY seq DESC LIMIT 1`, mediaID))
	if errNoRows(err) {
		return nil, apperrors.NotFound("storage.GetDownload", fmt.Sprintf("下载记录不存在: %s", mediaID))
	}
	if err != nil {
		return nil, fmt.Errorf("查询下载记录失败: %w", err)
	}
	return rec, nil
}
