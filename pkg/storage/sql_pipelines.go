package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

const pipelineColumns = `id, segment_id, course_id, batch_id, status, failed_from, priority, attempt, retry_of,
	extraction_started_at, extraction_completed_at, transcription_started_at, transcription_completed_at,
	terminology_started_at, terminology_completed_at,
	audio_path, audio_size, audio_duration, transcript_path, transcript_text, transcript_json,
	terminology_path, terminology_json, term_count, terminology_metadata, error_message,
	version, created_at, updated_at`

func scanPipeline(row rowScanner) (*models.SegmentPipeline, int64, error) {
	var (
		p                                           models.SegmentPipeline
		retryOf, transcriptJSON, termJSON, termMeta sql.NullString
		extStart, extDone, trStart, trDone          sql.NullInt64
		termStart, termDone                         sql.NullInt64
		version, createdAt, updatedAt               int64
	)
	err := row.Scan(&p.ID, &p.SegmentID, &p.CourseID, &p.BatchID, &p.Status, &p.FailedFrom, &p.Priority,
		&p.Attempt, &retryOf,
		&extStart, &extDone, &trStart, &trDone, &termStart, &termDone,
		&p.AudioPath, &p.AudioSize, &p.AudioDuration, &p.TranscriptPath, &p.TranscriptText, &transcriptJSON,
		&p.TerminologyPath, &termJSON, &p.TermCount, &termMeta, &p.ErrorMessage,
		&version, &createdAt, &updatedAt)
	if err != nil {
		return nil, 0, err
	}

	p.RetryOf = retryOf.String
	p.ExtractionStartedAt = timePtr(extStart)
	p.ExtractionCompletedAt = timePtr(extDone)
	p.TranscriptionStartedAt = timePtr(trStart)
	p.TranscriptionCompletedAt = timePtr(trDone)
	p.TerminologyStartedAt = timePtr(termStart)
	p.TerminologyCompletedAt = timePtr(termDone)
	if transcriptJSON.Valid {
		p.TranscriptJSON = json.RawMessage(transcriptJSON.String)
	}
	if termJSON.Valid {
		p.TerminologyJSON = json.RawMessage(termJSON.String)
	}
	if termMeta.Valid {
		if err := json.Unmarshal([]byte(termMeta.String), &p.TerminologyMetadata); err != nil {
			return nil, 0, fmt.Errorf("解析术语元数据失败: %w", err)
		}
	}
	p.CreatedAt = fromMicros(createdAt)
	p.UpdatedAt = fromMicros(updatedAt)
	return &p, version, nil
}

// pipelineArgs 按 pipelineColumns 中除 version/created_at/updated_at 以外的列顺序
func pipelineArgs(p *models.SegmentPipeline) ([]any, error) {
	var meta any
	if p.TerminologyMetadata != nil {
		data, err := json.Marshal(p.TerminologyMetadata)
		if err != nil {
			return nil, fmt.Errorf("序列化术语元数据失败: %w", err)
		}
		meta = string(data)
	}
	return []any{
		p.SegmentID, p.CourseID, p.BatchID, string(p.Status), string(p.FailedFrom), string(p.Priority),
		p.Attempt, nullString(p.RetryOf),
		nullMicros(p.ExtractionStartedAt), nullMicros(p.ExtractionCompletedAt),
		nullMicros(p.TranscriptionStartedAt), nullMicros(p.TranscriptionCompletedAt),
		nullMicros(p.TerminologyStartedAt), nullMicros(p.TerminologyCompletedAt),
		p.AudioPath, p.AudioSize, p.AudioDuration, p.TranscriptPath, p.TranscriptText, rawJSON(p.TranscriptJSON),
		p.TerminologyPath, rawJSON(p.TerminologyJSON), p.TermCount, meta, p.ErrorMessage,
	}, nil
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreatePipeline 保存新流水线；同一条流水线只能被重试一次（retry_of 唯一）
func (s *SQLStore) CreatePipeline(ctx context.Context, p *models.SegmentPipeline) error {
	return s.insertPipeline(ctx, s.db, p)
}

func (s *SQLStore) insertPipeline(ctx context.Context, q execer, p *models.SegmentPipeline) error {
	const op = "storage.CreatePipeline"
	args, err := pipelineArgs(p)
	if err != nil {
		return err
	}
	args = append([]any{p.ID}, args...)
	args = append(args, micros(p.CreatedAt), micros(p.UpdatedAt))

	_, err = s.exec(ctx, q, `
		INSERT INTO segment_pipelines (`+pipelineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		args...)
	if isUniqueViolation(err) {
		if p.RetryOf != "" {
			return conflict(op, fmt.Sprintf("流水线 %s 已被重试", p.RetryOf))
		}
		return conflict(op, fmt.Sprintf("流水线已存在: %s", p.ID))
	}
	if err != nil {
		return fmt.Errorf("保存流水线失败: %w", err)
	}
	return nil
}

// GetPipeline 获取流水线
func (s *SQLStore) GetPipeline(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	p, _, err := s.getPipeline(ctx, id)
	return p, err
}

func (s *SQLStore) getPipeline(ctx context.Context, id string) (*models.SegmentPipeline, int64, error) {
	p, version, err := scanPipeline(s.queryRow(ctx, s.db,
		`SELECT `+pipelineColumns+` FROM segment_pipelines WHERE id = ?`, id))
	if errNoRows(err) {
		return nil, 0, apperrors.NotFound("storage.GetPipeline", fmt.Sprintf("流水线不存在: %s", id))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("查询流水线失败: %w", err)
	}
	return p, version, nil
}

// UpdatePipeline 乐观锁读改写：版本号变化说明有并发写入，重新读取后再次调用 fn
func (s *SQLStore) UpdatePipeline(ctx context.Context, id string, fn func(*models.SegmentPipeline) error) (*models.SegmentPipeline, error) {
	for i := 0; i < casRetries; i++ {
		current, version, err := s.getPipeline(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(current); err != nil {
			return nil, err
		}

		args, err := pipelineArgs(current)
		if err != nil {
			return nil, err
		}
		args = append(args, micros(current.UpdatedAt), id, version)
		res, err := s.exec(ctx, s.db, `
			UPDATE segment_pipelines SET
				segment_id = ?, course_id = ?, batch_id = ?, status = ?, failed_from = ?, priority = ?,
				attempt = ?, retry_of = ?,
				extraction_started_at = ?, extraction_completed_at = ?,
				transcription_started_at = ?, transcription_completed_at = ?,
				terminology_started_at = ?, terminology_completed_at = ?,
				audio_path = ?, audio_size = ?, audio_duration = ?, transcript_path = ?, transcript_text = ?,
				transcript_json = ?, terminology_path = ?, terminology_json = ?, term_count = ?,
				terminology_metadata = ?, error_message = ?,
				updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("更新流水线失败: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return current, nil
		}
	}
	return nil, conflict("storage.UpdatePipeline", fmt.Sprintf("流水线 %s 并发更新冲突", id))
}
